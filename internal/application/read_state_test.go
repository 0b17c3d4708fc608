package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bizlink/messaging/internal/domain"
)

// Unread bookkeeping across the interleaving that loses updates when the
// counter and the marker are maintained independently: B reads, A sends two,
// B reads again, A sends one.
func TestUnread_ReadSendReadSend(t *testing.T) {
	svc, store := newTestService(t)
	conv := newDirectConversation(t, svc, store)
	ctx := context.Background()

	unreadForBob := func() int64 {
		n, err := svc.UnreadCount(ctx, conv.ID, bob)
		assert.NoError(t, err)
		return n
	}

	appendText(t, svc, conv.ID, alice, "one")
	assert.Equal(t, int64(1), unreadForBob())

	assert.NoError(t, svc.MarkConversationRead(ctx, MarkConversationReadCommand{
		ConversationID: conv.ID,
		ReaderUserID:   bob.UserID,
		ReaderBusiness: bob.BusinessID,
	}))
	assert.Equal(t, int64(0), unreadForBob())

	appendText(t, svc, conv.ID, alice, "two")
	appendText(t, svc, conv.ID, alice, "three")
	assert.Equal(t, int64(2), unreadForBob())

	assert.NoError(t, svc.MarkConversationRead(ctx, MarkConversationReadCommand{
		ConversationID: conv.ID,
		ReaderUserID:   bob.UserID,
		ReaderBusiness: bob.BusinessID,
	}))
	appendText(t, svc, conv.ID, alice, "four")
	assert.Equal(t, int64(1), unreadForBob())

	// the stored counter agrees with a recount from the message log
	recount, err := svc.RecountUnread(ctx, conv.ID, bob)
	assert.NoError(t, err)
	assert.Equal(t, unreadForBob(), recount)
}

func TestMarkConversationRead_StaleTimestampAbsorbed(t *testing.T) {
	svc, store := newTestService(t)
	conv := newDirectConversation(t, svc, store)
	ctx := context.Background()

	now := time.Now().UTC()
	assert.NoError(t, svc.MarkConversationRead(ctx, MarkConversationReadCommand{
		ConversationID: conv.ID,
		ReaderUserID:   bob.UserID,
		ReaderBusiness: bob.BusinessID,
		ReadAt:         now,
	}))

	// an hour-old marker arriving late must not move anything backwards
	assert.NoError(t, svc.MarkConversationRead(ctx, MarkConversationReadCommand{
		ConversationID: conv.ID,
		ReaderUserID:   bob.UserID,
		ReaderBusiness: bob.BusinessID,
		ReadAt:         now.Add(-time.Hour),
	}))

	got, _ := svc.GetConversation(ctx, conv.ID, bob)
	pb, _ := got.Participant(bob)
	assert.False(t, pb.LastReadAt.Before(now), "read marker regressed to %v", pb.LastReadAt)
}

func TestMarkMessageRead_AdvancesConversationMarker(t *testing.T) {
	svc, store := newTestService(t)
	conv := newDirectConversation(t, svc, store)
	ctx := context.Background()

	msg := appendText(t, svc, conv.ID, alice, "hello")

	assert.NoError(t, svc.MarkMessageRead(ctx, MarkMessageReadCommand{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		ReaderUserID:   bob.UserID,
		ReaderBusiness: bob.BusinessID,
	}))

	stored, err := svc.SyncMessages(ctx, conv.ID, bob, 0, 10)
	assert.NoError(t, err)
	assert.Len(t, stored, 1)
	assert.Len(t, stored[0].ReadBy, 1)
	assert.Equal(t, bob.UserID, stored[0].ReadBy[0].UserID)

	got, _ := svc.GetConversation(ctx, conv.ID, bob)
	pb, _ := got.Participant(bob)
	assert.Equal(t, int64(0), pb.UnreadCount)
	assert.False(t, pb.LastReadAt.IsZero())

	// non-participant cannot mark
	err = svc.MarkMessageRead(ctx, MarkMessageReadCommand{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		ReaderUserID:   carol.UserID,
		ReaderBusiness: carol.BusinessID,
	})
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

// A receipt landing on an older message moves the marker there, not to the
// head: everything newer stays unread and the counter tracks the recount.
func TestMarkMessageRead_OlderReceiptKeepsNewerUnread(t *testing.T) {
	svc, store := newTestService(t)
	conv := newDirectConversation(t, svc, store)
	ctx := context.Background()

	m1 := appendText(t, svc, conv.ID, alice, "first")
	appendText(t, svc, conv.ID, alice, "second")

	assert.NoError(t, svc.MarkMessageRead(ctx, MarkMessageReadCommand{
		ConversationID: conv.ID,
		MessageID:      m1.ID,
		ReaderUserID:   bob.UserID,
		ReaderBusiness: bob.BusinessID,
		ReadAt:         m1.SentAt,
	}))

	n, err := svc.UnreadCount(ctx, conv.ID, bob)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n, "the newer message must stay unread")

	recount, err := svc.RecountUnread(ctx, conv.ID, bob)
	assert.NoError(t, err)
	assert.Equal(t, n, recount)
}

// Archiving is per participant: it hides the conversation from one side's
// default listing without touching the other's view or anyone's counters.
func TestSetArchived_IndependentPerParticipant(t *testing.T) {
	svc, store := newTestService(t)
	conv := newDirectConversation(t, svc, store)
	ctx := context.Background()

	appendText(t, svc, conv.ID, alice, "hello")

	assert.NoError(t, svc.SetArchived(ctx, ArchiveCommand{
		ConversationID: conv.ID,
		UserID:         bob.UserID,
		BusinessID:     bob.BusinessID,
		Archived:       true,
	}))

	bobDefault, err := svc.ListConversations(ctx, bob, false)
	assert.NoError(t, err)
	assert.Empty(t, bobDefault)

	bobAll, err := svc.ListConversations(ctx, bob, true)
	assert.NoError(t, err)
	assert.Len(t, bobAll, 1)

	aliceDefault, err := svc.ListConversations(ctx, alice, false)
	assert.NoError(t, err)
	assert.Len(t, aliceDefault, 1)

	// unread survives the archive flag
	n, err := svc.UnreadCount(ctx, conv.ID, bob)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// appends still arrive while archived
	appendText(t, svc, conv.ID, alice, "still here")
	n, _ = svc.UnreadCount(ctx, conv.ID, bob)
	assert.Equal(t, int64(2), n)
}

func TestUnreadTotal_SumsAcrossConversations(t *testing.T) {
	svc, store := newTestService(t)
	conv1 := newDirectConversation(t, svc, store)

	conv2, _, err := svc.CreateConversation(context.Background(), CreateConversationCommand{
		CreatorUserID:     carol.UserID,
		CreatorBusinessID: carol.BusinessID,
		Participants:      []domain.ParticipantKey{bob},
		Subject:           "second thread",
	})
	assert.NoError(t, err)

	appendText(t, svc, conv1.ID, alice, "a")
	appendText(t, svc, conv1.ID, alice, "b")
	appendText(t, svc, conv2.ID, carol, "c")

	total, err := svc.UnreadTotal(context.Background(), bob.UserID)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), total)
}
