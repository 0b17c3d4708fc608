package application

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bizlink/messaging/internal/domain"
)

func TestAddParticipant_IdempotentJoin(t *testing.T) {
	svc, store := newTestService(t)
	conv := newDirectConversation(t, svc, store)
	ctx := context.Background()

	cmd := ParticipantCommand{
		ConversationID: conv.ID,
		ActorUserID:    alice.UserID,
		ActorBusiness:  alice.BusinessID,
		Target:         carol,
	}
	assert.NoError(t, svc.AddParticipant(ctx, cmd))

	got, _ := svc.GetConversation(ctx, conv.ID, carol)
	assert.Len(t, got.Participants, 3)

	entries := store.DrainOutbox()
	assert.Len(t, entries, 1)
	var delta domain.DeltaEvent
	assert.NoError(t, json.Unmarshal(entries[0].Payload, &delta))
	assert.Equal(t, domain.DeltaMembershipChanged, delta.Kind)
	assert.Equal(t, carol, *delta.Actor)
	assert.True(t, *delta.Added)
	// the new member is in the recipient set of their own join delta
	assert.Contains(t, delta.Recipients, carol)

	// repeat add: no state change, no delta
	assert.NoError(t, svc.AddParticipant(ctx, cmd))
	got, _ = svc.GetConversation(ctx, conv.ID, carol)
	assert.Len(t, got.Participants, 3)
	assert.Empty(t, store.DrainOutbox())
}

func TestRemoveParticipant_MinMembershipEnforced(t *testing.T) {
	svc, store := newTestService(t)
	conv := newDirectConversation(t, svc, store)
	ctx := context.Background()

	// a direct conversation cannot drop below two participants
	err := svc.RemoveParticipant(ctx, ParticipantCommand{
		ConversationID: conv.ID,
		ActorUserID:    alice.UserID,
		ActorBusiness:  alice.BusinessID,
		Target:         bob,
	})
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	// grow to three, then removal works and the departed member still
	// receives the delta
	assert.NoError(t, svc.AddParticipant(ctx, ParticipantCommand{
		ConversationID: conv.ID,
		ActorUserID:    alice.UserID,
		ActorBusiness:  alice.BusinessID,
		Target:         carol,
	}))
	store.DrainOutbox()

	assert.NoError(t, svc.RemoveParticipant(ctx, ParticipantCommand{
		ConversationID: conv.ID,
		ActorUserID:    alice.UserID,
		ActorBusiness:  alice.BusinessID,
		Target:         carol,
	}))

	entries := store.DrainOutbox()
	assert.Len(t, entries, 1)
	var delta domain.DeltaEvent
	assert.NoError(t, json.Unmarshal(entries[0].Payload, &delta))
	assert.False(t, *delta.Added)
	assert.Contains(t, delta.Recipients, carol)

	got, _ := svc.GetConversation(ctx, conv.ID, alice)
	assert.Len(t, got.Participants, 2)

	// removing an absent pair is a quiet no-op
	assert.NoError(t, svc.RemoveParticipant(ctx, ParticipantCommand{
		ConversationID: conv.ID,
		ActorUserID:    alice.UserID,
		ActorBusiness:  alice.BusinessID,
		Target:         carol,
	}))
	assert.Empty(t, store.DrainOutbox())
}

func TestRemoveParticipant_RequiresMembership(t *testing.T) {
	svc, store := newTestService(t)
	conv := newDirectConversation(t, svc, store)

	err := svc.RemoveParticipant(context.Background(), ParticipantCommand{
		ConversationID: conv.ID,
		ActorUserID:    carol.UserID,
		ActorBusiness:  carol.BusinessID,
		Target:         bob,
	})
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

func TestDeleteConversation_RemovesAggregate(t *testing.T) {
	svc, store := newTestService(t)
	conv := newDirectConversation(t, svc, store)
	ctx := context.Background()

	appendText(t, svc, conv.ID, alice, "soon gone")

	assert.NoError(t, svc.DeleteConversation(ctx, conv.ID, alice))

	_, err := svc.GetConversation(ctx, conv.ID, alice)
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)

	// the lookup key is freed: the same pair can start over
	_, created, err := svc.CreateConversation(ctx, CreateConversationCommand{
		CreatorUserID:     alice.UserID,
		CreatorBusinessID: alice.BusinessID,
		Participants:      []domain.ParticipantKey{bob},
	})
	assert.NoError(t, err)
	assert.True(t, created)
}

func TestSetStatus_BlockAndUnblock(t *testing.T) {
	svc, store := newTestService(t)
	conv := newDirectConversation(t, svc, store)
	ctx := context.Background()

	assert.NoError(t, svc.SetStatus(ctx, SetStatusCommand{
		ConversationID: conv.ID,
		ActorUserID:    bob.UserID,
		ActorBusiness:  bob.BusinessID,
		Status:         domain.StatusBlocked,
	}))

	_, err := svc.AppendMessage(ctx, AppendMessageCommand{
		ConversationID:   conv.ID,
		SenderUserID:     alice.UserID,
		SenderBusinessID: alice.BusinessID,
		Content:          "blocked?",
	})
	assert.ErrorIs(t, err, domain.ErrBlockedConversation)

	// plain reactivation is rejected; explicit unblock succeeds
	err = svc.SetStatus(ctx, SetStatusCommand{
		ConversationID: conv.ID,
		ActorUserID:    bob.UserID,
		ActorBusiness:  bob.BusinessID,
		Status:         domain.StatusActive,
	})
	assert.ErrorIs(t, err, domain.ErrStatusTransition)

	assert.NoError(t, svc.SetStatus(ctx, SetStatusCommand{
		ConversationID: conv.ID,
		ActorUserID:    bob.UserID,
		ActorBusiness:  bob.BusinessID,
		Status:         domain.StatusActive,
		Unblock:        true,
	}))

	appendText(t, svc, conv.ID, alice, "back again")
	_ = store.DrainOutbox()
}
