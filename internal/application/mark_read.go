package application

import (
	"context"
	"database/sql"
	"time"

	"github.com/bizlink/messaging/internal/domain"
)

type MarkMessageReadCommand struct {
	ConversationID string
	MessageID      string
	ReaderUserID   string
	ReaderBusiness string
	ReadAt         time.Time
}

// MarkMessageRead records a per-message read receipt and advances the
// reader's conversation-level read marker in the same transaction. The
// unread counter is recomputed from the marker rather than zeroed: a receipt
// for an older message leaves everything newer unread. Repeating the call,
// or delivering receipts out of order, never moves a marker backwards.
func (s *Service) MarkMessageRead(
	ctx context.Context,
	cmd MarkMessageReadCommand,
) error {

	s.locks.Lock(cmd.ConversationID)
	defer s.locks.Unlock(cmd.ConversationID)

	return s.tx.WithTx(ctx, func(ctx context.Context, sqlTx *sql.Tx) error {

		conv, err := s.repo.GetConversationLocked(ctx, sqlTx, cmd.ConversationID)
		if err != nil {
			return err
		}

		reader := domain.ParticipantKey{UserID: cmd.ReaderUserID, BusinessID: cmd.ReaderBusiness}
		if _, ok := conv.Participant(reader); !ok {
			return domain.ErrNotParticipant
		}

		msg, err := s.repo.GetMessageForUpdate(ctx, sqlTx, cmd.MessageID)
		if err != nil {
			return err
		}
		if msg.ConversationID != cmd.ConversationID {
			return domain.ErrInvalidInput
		}

		at := clampTimestamp(cmd.ReadAt)
		if !msg.MarkRead(cmd.ReaderUserID, at) {
			return nil // receipt already at or past this time
		}

		if err := s.repo.UpdateMessage(ctx, sqlTx, msg); err != nil {
			return err
		}

		marker, err := s.repo.AdvanceReadMarker(ctx, sqlTx, conv.ID, reader, at)
		if err != nil {
			return err
		}
		remaining, err := s.repo.CountUnreadMessages(ctx, sqlTx, conv.ID, reader, marker)
		if err != nil {
			return err
		}
		if err := s.repo.SetUnreadCount(ctx, sqlTx, conv.ID, reader, remaining); err != nil {
			return err
		}

		return s.emitDelta(ctx, sqlTx, &domain.DeltaEvent{
			Kind:           domain.DeltaReadStateChanged,
			ConversationID: conv.ID,
			OccurredAt:     at,
			Recipients:     recipientKeys(conv),
			Actor:          &reader,
			ReadAt:         &at,
		})
	})
}

type MarkConversationReadCommand struct {
	ConversationID string
	ReaderUserID   string
	ReaderBusiness string
	ReadAt         time.Time
}

// MarkConversationRead advances the reader's conversation-level marker and
// zeroes their unread counter. Stale timestamps are absorbed by the monotone
// marker update rather than rejected.
func (s *Service) MarkConversationRead(
	ctx context.Context,
	cmd MarkConversationReadCommand,
) error {

	s.locks.Lock(cmd.ConversationID)
	defer s.locks.Unlock(cmd.ConversationID)

	return s.tx.WithTx(ctx, func(ctx context.Context, sqlTx *sql.Tx) error {

		conv, err := s.repo.GetConversationLocked(ctx, sqlTx, cmd.ConversationID)
		if err != nil {
			return err
		}

		reader := domain.ParticipantKey{UserID: cmd.ReaderUserID, BusinessID: cmd.ReaderBusiness}
		if _, ok := conv.Participant(reader); !ok {
			return domain.ErrNotParticipant
		}

		return s.markRead(ctx, sqlTx, conv, reader, clampTimestamp(cmd.ReadAt))
	})
}

// markRead moves the marker, zeroes the counter and stages the read-state
// delta. Only the mark-everything-read path uses it; called with the
// conversation row locked.
func (s *Service) markRead(
	ctx context.Context,
	sqlTx *sql.Tx,
	conv *domain.Conversation,
	reader domain.ParticipantKey,
	at time.Time,
) error {

	if err := s.repo.MarkConversationRead(ctx, sqlTx, conv.ID, reader, at); err != nil {
		return err
	}

	return s.emitDelta(ctx, sqlTx, &domain.DeltaEvent{
		Kind:           domain.DeltaReadStateChanged,
		ConversationID: conv.ID,
		OccurredAt:     at,
		Recipients:     recipientKeys(conv),
		Actor:          &reader,
		ReadAt:         &at,
	})
}

type ArchiveCommand struct {
	ConversationID string
	UserID         string
	BusinessID     string
	Archived       bool
}

// SetArchived flips the caller's personal archive flag. The flag is
// per-participant list state; it never affects other participants or the
// conversation's shared status.
func (s *Service) SetArchived(
	ctx context.Context,
	cmd ArchiveCommand,
) error {

	s.locks.Lock(cmd.ConversationID)
	defer s.locks.Unlock(cmd.ConversationID)

	return s.tx.WithTx(ctx, func(ctx context.Context, sqlTx *sql.Tx) error {

		conv, err := s.repo.GetConversationLocked(ctx, sqlTx, cmd.ConversationID)
		if err != nil {
			return err
		}

		actor := domain.ParticipantKey{UserID: cmd.UserID, BusinessID: cmd.BusinessID}
		p, ok := conv.Participant(actor)
		if !ok {
			return domain.ErrNotParticipant
		}
		if p.IsArchived == cmd.Archived {
			return nil
		}

		if err := s.repo.SetParticipantArchived(ctx, sqlTx, conv.ID, actor, cmd.Archived); err != nil {
			return err
		}

		archived := cmd.Archived
		return s.emitDelta(ctx, sqlTx, &domain.DeltaEvent{
			Kind:           domain.DeltaArchiveToggled,
			ConversationID: conv.ID,
			Recipients:     []domain.ParticipantKey{actor},
			Actor:          &actor,
			Archived:       &archived,
		})
	})
}
