package application

import (
	"context"
	"database/sql"
	"time"

	"github.com/bizlink/messaging/internal/domain"
)

type EditMessageCommand struct {
	ConversationID string
	MessageID      string
	EditorUserID   string
	NewContent     string
}

// EditMessage snapshots the prior content into the edit history before
// replacing it. Only the original sender may edit; a deleted message cannot
// be edited.
func (s *Service) EditMessage(
	ctx context.Context,
	cmd EditMessageCommand,
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
		if err := msg.ApplyEdit(cmd.EditorUserID, cmd.NewContent, now); err != nil {
			return err
		}

		if err := s.repo.UpdateMessage(ctx, sqlTx, msg); err != nil {
			return err
		}

		conv, err := s.repo.GetConversation(ctx, sqlTx, cmd.ConversationID)
		if err != nil {
			return err
		}

		return s.emitDelta(ctx, sqlTx, &domain.DeltaEvent{
			Kind:           domain.DeltaMessageEdited,
			ConversationID: cmd.ConversationID,
			OccurredAt:     now,
			Recipients:     recipientKeys(conv),
			Message:        domain.NewMessageDelta(msg),
		})
	})
}
