package application

import (
	"context"
	"database/sql"
	"time"

	"github.com/bizlink/messaging/internal/domain"
)

type SetStatusCommand struct {
	ConversationID string
	ActorUserID    string
	ActorBusiness  string
	Status         domain.ConversationStatus
	Unblock        bool
}

// SetStatus moves the conversation's shared status through the allowed
// transitions. Blocking stops all appends for every participant until an
// explicit unblock.
func (s *Service) SetStatus(
	ctx context.Context,
	cmd SetStatusCommand,
) error {

	s.locks.Lock(cmd.ConversationID)
	defer s.locks.Unlock(cmd.ConversationID)

	return s.tx.WithTx(ctx, func(ctx context.Context, sqlTx *sql.Tx) error {

		conv, err := s.repo.GetConversationLocked(ctx, sqlTx, cmd.ConversationID)
		if err != nil {
			return err
		}

		actor := domain.ParticipantKey{UserID: cmd.ActorUserID, BusinessID: cmd.ActorBusiness}
		if _, ok := conv.Participant(actor); !ok {
			return domain.ErrNotParticipant
		}

		prev := conv.Status
		if err := conv.SetStatus(cmd.Status, cmd.Unblock); err != nil {
			return err
		}
		if conv.Status == prev {
			return nil
		}

		if err := s.repo.UpdateConversationStatus(ctx, sqlTx, conv.ID, conv.Status); err != nil {
			return err
		}

		return s.emitDelta(ctx, sqlTx, &domain.DeltaEvent{
			Kind:           domain.DeltaStatusChanged,
			ConversationID: conv.ID,
			OccurredAt:     time.Now().UTC(),
			Recipients:     recipientKeys(conv),
			Actor:          &actor,
			Status:         conv.Status,
		})
	})
}
