package application

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bizlink/messaging/internal/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// cursor pins a pagination position to the (sent_at, sequence) composite so
// pages stay stable while new messages arrive at the head.
type cursor struct {
	T int64 `json:"t"` // sent_at, unix nanos
	S int64 `json:"s"` // sequence
}

func encodeCursor(t time.Time, seq int64) string {
	raw, _ := json.Marshal(cursor{T: t.UnixNano(), S: seq})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (time.Time, int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("%w: bad cursor", domain.ErrInvalidInput)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return time.Time{}, 0, fmt.Errorf("%w: bad cursor", domain.ErrInvalidInput)
	}
	return time.Unix(0, c.T), c.S, nil
}

type MessagePage struct {
	Messages   []*domain.Message
	NextCursor string
}

// ListMessages returns one page of a conversation's messages, newest first.
// Soft-deleted messages are returned with the placeholder substituted so the
// caller never sees removed content. Only participants may read.
func (s *Service) ListMessages(
	ctx context.Context,
	convID string,
	reader domain.ParticipantKey,
	afterCursor string,
	limit int,
) (*MessagePage, error) {

	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	conv, err := s.repo.GetConversation(ctx, nil, convID)
	if err != nil {
		return nil, err
	}
	if _, ok := conv.Participant(reader); !ok {
		return nil, domain.ErrNotParticipant
	}

	before := time.Now().UTC().Add(maxClockSkew)
	beforeSeq := int64(1<<62 - 1)
	if afterCursor != "" {
		before, beforeSeq, err = decodeCursor(afterCursor)
		if err != nil {
			return nil, err
		}
	}

	msgs, err := s.repo.ListMessages(ctx, convID, before, beforeSeq, limit)
	if err != nil {
		return nil, err
	}

	page := &MessagePage{Messages: msgs}
	if len(msgs) == limit {
		last := msgs[len(msgs)-1]
		page.NextCursor = encodeCursor(last.SentAt, last.Sequence)
	}
	return page, nil
}

// SyncMessages returns every message appended after the given sequence, oldest
// first, for reconnect catch-up.
func (s *Service) SyncMessages(
	ctx context.Context,
	convID string,
	reader domain.ParticipantKey,
	afterSeq int64,
	limit int,
) ([]*domain.Message, error) {

	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	conv, err := s.repo.GetConversation(ctx, nil, convID)
	if err != nil {
		return nil, err
	}
	if _, ok := conv.Participant(reader); !ok {
		return nil, domain.ErrNotParticipant
	}

	return s.repo.FetchMessagesAfter(ctx, convID, afterSeq, limit)
}

// GetConversation returns the aggregate if the reader participates in it.
func (s *Service) GetConversation(
	ctx context.Context,
	convID string,
	reader domain.ParticipantKey,
) (*domain.Conversation, error) {

	conv, err := s.repo.GetConversation(ctx, nil, convID)
	if err != nil {
		return nil, err
	}
	if _, ok := conv.Participant(reader); !ok {
		return nil, domain.ErrNotParticipant
	}
	return conv, nil
}

// ListConversations returns the reader's conversations ordered by last
// activity, most recent first. Conversations the reader archived are excluded
// unless includeArchived is set.
func (s *Service) ListConversations(
	ctx context.Context,
	reader domain.ParticipantKey,
	includeArchived bool,
) ([]*domain.Conversation, error) {

	return s.repo.ListConversationsForParticipant(ctx, reader.UserID, reader.BusinessID, includeArchived)
}

// UnreadCount reads the participant's denormalized counter. The counter is
// maintained inside the append/read transactions, so this never scans
// messages.
func (s *Service) UnreadCount(
	ctx context.Context,
	convID string,
	reader domain.ParticipantKey,
) (int64, error) {

	p, err := s.repo.GetParticipant(ctx, convID, reader)
	if err != nil {
		return 0, err
	}
	return p.UnreadCount, nil
}

// RecountUnread recomputes the counter from the message log, counting
// others' messages sent after the reader's marker. Used to verify or repair a
// drifted denormalized counter.
func (s *Service) RecountUnread(
	ctx context.Context,
	convID string,
	reader domain.ParticipantKey,
) (int64, error) {

	p, err := s.repo.GetParticipant(ctx, convID, reader)
	if err != nil {
		return 0, err
	}
	return s.repo.CountUnreadMessages(ctx, nil, convID, reader, p.LastReadAt)
}

// UnreadTotal sums the user's unread counters across all their conversations.
func (s *Service) UnreadTotal(ctx context.Context, userID string) (int64, error) {
	return s.repo.UnreadTotal(ctx, userID)
}
