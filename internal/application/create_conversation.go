package application

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bizlink/messaging/internal/domain"
)

type CreateConversationCommand struct {
	CreatorUserID     string
	CreatorBusinessID string
	Participants      []domain.ParticipantKey
	Subject           string
	IsGroup           bool
	Metadata          domain.Metadata
}

// CreateConversation creates a conversation, or for the direct (non-group)
// case returns the existing conversation between the same parties instead of
// creating a duplicate. The participant set's canonical lookup key carries a
// unique constraint, so two racing creates converge on one row.
func (s *Service) CreateConversation(
	ctx context.Context,
	cmd CreateConversationCommand,
) (*domain.Conversation, bool, error) {

	keys := cmd.Participants
	creator := domain.ParticipantKey{UserID: cmd.CreatorUserID, BusinessID: cmd.CreatorBusinessID}
	if !containsKey(keys, creator) {
		keys = append([]domain.ParticipantKey{creator}, keys...)
	}
	keys = dedupeKeys(keys)

	for _, k := range keys {
		if k.UserID == "" || k.BusinessID == "" {
			return nil, false, fmt.Errorf("%w: participant key missing user or business id", domain.ErrInvalidInput)
		}
	}

	min := 2
	if cmd.IsGroup {
		min = 1
	}
	if len(keys) < min {
		return nil, false, fmt.Errorf("%w: need at least %d participants", domain.ErrInvalidInput, min)
	}

	var lookupKey *string
	if !cmd.IsGroup {
		lk := domain.LookupKey(keys)
		lookupKey = &lk
	}

	var (
		conv    *domain.Conversation
		created bool
	)

	err := s.tx.WithTx(ctx, func(ctx context.Context, sqlTx *sql.Tx) error {
		created = false

		if lookupKey != nil {
			existing, err := s.repo.GetConversationByLookupKey(ctx, sqlTx, *lookupKey)
			if err == nil {
				conv = existing
				return nil
			}
			if !errors.Is(err, domain.ErrConversationNotFound) {
				return err
			}
		}

		now := time.Now().UTC()
		conv = &domain.Conversation{
			ID:           uuid.NewString(),
			Subject:      cmd.Subject,
			Status:       domain.StatusActive,
			IsGroup:      cmd.IsGroup,
			Metadata:     cmd.Metadata,
			LastActivity: now,
			CreatedAt:    now,
		}
		for _, k := range keys {
			conv.AddParticipant(k, now)
		}

		if err := s.repo.InsertConversation(ctx, sqlTx, conv, lookupKey); err != nil {
			return err
		}
		if err := s.repo.InitSequences(ctx, sqlTx, conv.ID); err != nil {
			return err
		}

		created = true
		return s.emitDelta(ctx, sqlTx, &domain.DeltaEvent{
			Kind:           domain.DeltaConversationCreated,
			ConversationID: conv.ID,
			OccurredAt:     now,
			Recipients:     recipientKeys(conv),
		})
	})

	if err != nil {
		// Race loser: the other create committed between our lookup miss and
		// our insert. Converge on its row.
		if lookupKey != nil && errors.Is(err, domain.ErrConversationExists) {
			existing, lookErr := s.repo.GetConversationByLookupKey(ctx, nil, *lookupKey)
			if lookErr != nil {
				return nil, false, lookErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	if created {
		s.log.Info("conversation created",
			zap.String("conversation_id", conv.ID),
			zap.Bool("is_group", conv.IsGroup),
			zap.Int("participants", len(conv.Participants)),
		)
	}

	return conv, created, nil
}

func containsKey(keys []domain.ParticipantKey, k domain.ParticipantKey) bool {
	for _, key := range keys {
		if key == k {
			return true
		}
	}
	return false
}

func dedupeKeys(keys []domain.ParticipantKey) []domain.ParticipantKey {
	seen := make(map[domain.ParticipantKey]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
