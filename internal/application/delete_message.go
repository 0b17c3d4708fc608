package application

import (
	"context"
	"database/sql"
	"time"

	"github.com/bizlink/messaging/internal/domain"
)

type DeleteMessageCommand struct {
	ConversationID string
	MessageID      string
	RequesterID    string
}

// SoftDeleteMessage hides the message behind the deletion placeholder while
// keeping the record and edit history for audit. Deleting an already-deleted
// message for the same user is a no-op, and the conversation's message count
// is deliberately left untouched: the counters track conversation liveliness,
// not currently visible messages.
func (s *Service) SoftDeleteMessage(
	ctx context.Context,
	cmd DeleteMessageCommand,
) error {

	s.locks.Lock(cmd.ConversationID)
	defer s.locks.Unlock(cmd.ConversationID)

	return s.tx.WithTx(ctx, func(ctx context.Context, sqlTx *sql.Tx) error {

		msg, err := s.repo.GetMessageForUpdate(ctx, sqlTx, cmd.MessageID)
		if err != nil {
			return err
		}

		if msg.ConversationID != cmd.ConversationID {
			return domain.ErrInvalidInput
		}

		now := time.Now().UTC()
		if !msg.SoftDelete(cmd.RequesterID, now) {
			return nil // already deleted by this user
		}

		if err := s.repo.UpdateMessage(ctx, sqlTx, msg); err != nil {
			return err
		}

		conv, err := s.repo.GetConversation(ctx, sqlTx, cmd.ConversationID)
		if err != nil {
			return err
		}

		return s.emitDelta(ctx, sqlTx, &domain.DeltaEvent{
			Kind:           domain.DeltaMessageDeleted,
			ConversationID: cmd.ConversationID,
			OccurredAt:     now,
			Recipients:     recipientKeys(conv),
			MessageID:      cmd.MessageID,
		})
	})
}
