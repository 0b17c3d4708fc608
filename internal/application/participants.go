package application

import (
	"context"
	"database/sql"
	"time"

	"github.com/bizlink/messaging/internal/domain"
)

type ParticipantCommand struct {
	ConversationID string
	ActorUserID    string
	ActorBusiness  string
	Target         domain.ParticipantKey
}

// AddParticipant joins the target to the conversation. Adding an existing
// participant is a no-op that preserves their read state.
func (s *Service) AddParticipant(
	ctx context.Context,
	cmd ParticipantCommand,
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

		now := time.Now().UTC()
		if !conv.AddParticipant(cmd.Target, now) {
			return nil // already a member
		}

		p, _ := conv.Participant(cmd.Target)
		if err := s.repo.InsertParticipant(ctx, sqlTx, conv.ID, *p); err != nil {
			return err
		}

		added := true
		return s.emitDelta(ctx, sqlTx, &domain.DeltaEvent{
			Kind:           domain.DeltaMembershipChanged,
			ConversationID: conv.ID,
			OccurredAt:     now,
			Recipients:     recipientKeys(conv),
			Actor:          &cmd.Target,
			Added:          &added,
		})
	})
}

// RemoveParticipant detaches the target, refusing removals that would leave
// the conversation below its minimum membership. The departing participant is
// still included in the delta's recipients so their own devices learn about
// the removal.
func (s *Service) RemoveParticipant(
	ctx context.Context,
	cmd ParticipantCommand,
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

		recipients := recipientKeys(conv)
		if _, ok := conv.Participant(cmd.Target); !ok {
			return nil // already gone
		}
		if err := conv.RemoveParticipant(cmd.Target); err != nil {
			return err
		}

		if err := s.repo.DeleteParticipant(ctx, sqlTx, conv.ID, cmd.Target); err != nil {
			return err
		}

		added := false
		return s.emitDelta(ctx, sqlTx, &domain.DeltaEvent{
			Kind:           domain.DeltaMembershipChanged,
			ConversationID: conv.ID,
			OccurredAt:     time.Now().UTC(),
			Recipients:     recipients,
			Actor:          &cmd.Target,
			Added:          &added,
		})
	})
}

// DeleteConversation removes the aggregate as a whole: conversation row,
// participants, messages, sequences. This is the only path that may take a
// conversation to zero participants.
func (s *Service) DeleteConversation(
	ctx context.Context,
	convID string,
	actor domain.ParticipantKey,
) error {

	s.locks.Lock(convID)
	defer s.locks.Unlock(convID)

	return s.tx.WithTx(ctx, func(ctx context.Context, sqlTx *sql.Tx) error {

		conv, err := s.repo.GetConversationLocked(ctx, sqlTx, convID)
		if err != nil {
			return err
		}

		if _, ok := conv.Participant(actor); !ok {
			return domain.ErrNotParticipant
		}

		return s.repo.DeleteConversation(ctx, sqlTx, convID)
	})
}
