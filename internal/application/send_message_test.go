package application

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bizlink/messaging/internal/domain"
	"github.com/bizlink/messaging/internal/outbox"
)

func TestAppendMessage_UpdatesAggregateAtomically(t *testing.T) {
	svc, store := newTestService(t)
	conv := newDirectConversation(t, svc, store)
	ctx := context.Background()

	msg := appendText(t, svc, conv.ID, alice, "hello bob")
	assert.Equal(t, int64(1), msg.Sequence)
	assert.Equal(t, domain.MessageText, msg.Type)

	got, err := svc.GetConversation(ctx, conv.ID, alice)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), got.MessageCount)
	assert.Equal(t, msg.ID, got.LastMessageID)
	assert.False(t, got.LastActivity.Before(msg.SentAt))

	// sender's counter untouched, recipient's bumped
	pa, _ := got.Participant(alice)
	pb, _ := got.Participant(bob)
	assert.Equal(t, int64(0), pa.UnreadCount)
	assert.Equal(t, int64(1), pb.UnreadCount)
}

func TestAppendMessage_EmitsDeltaAndNotification(t *testing.T) {
	svc, store := newTestService(t)
	conv := newDirectConversation(t, svc, store)

	msg := appendText(t, svc, conv.ID, alice, "hello")

	entries := store.DrainOutbox()
	assert.Len(t, entries, 2)

	assert.Equal(t, outbox.EventTypeDelta, entries[0].EventType)
	var delta domain.DeltaEvent
	assert.NoError(t, json.Unmarshal(entries[0].Payload, &delta))
	assert.Equal(t, domain.DeltaMessageSent, delta.Kind)
	// seq 1 went to the creation delta
	assert.Equal(t, int64(2), delta.DeltaSeq)
	assert.Equal(t, msg.ID, delta.Message.ID)
	assert.ElementsMatch(t, []domain.ParticipantKey{alice, bob}, delta.Recipients)

	assert.Equal(t, outbox.EventTypeNotification, entries[1].EventType)
	var note domain.NotificationEvent
	assert.NoError(t, json.Unmarshal(entries[1].Payload, &note))
	assert.Equal(t, msg.ID, note.MessageID)
	assert.Equal(t, alice.UserID, note.SenderUserID)
}

func TestAppendMessage_Rejections(t *testing.T) {
	svc, store := newTestService(t)
	conv := newDirectConversation(t, svc, store)
	ctx := context.Background()

	// outsider
	_, err := svc.AppendMessage(ctx, AppendMessageCommand{
		ConversationID:   conv.ID,
		SenderUserID:     carol.UserID,
		SenderBusinessID: carol.BusinessID,
		Content:          "hi",
	})
	assert.ErrorIs(t, err, domain.ErrNotParticipant)

	// oversize content
	_, err = svc.AppendMessage(ctx, AppendMessageCommand{
		ConversationID:   conv.ID,
		SenderUserID:     alice.UserID,
		SenderBusinessID: alice.BusinessID,
		Content:          strings.Repeat("a", domain.MaxMessageSize+1),
	})
	assert.ErrorIs(t, err, domain.ErrMessageTooLarge)

	// blocked conversation rejects everyone
	assert.NoError(t, svc.SetStatus(ctx, SetStatusCommand{
		ConversationID: conv.ID,
		ActorUserID:    alice.UserID,
		ActorBusiness:  alice.BusinessID,
		Status:         domain.StatusBlocked,
	}))
	_, err = svc.AppendMessage(ctx, AppendMessageCommand{
		ConversationID:   conv.ID,
		SenderUserID:     bob.UserID,
		SenderBusinessID: bob.BusinessID,
		Content:          "hi",
	})
	assert.ErrorIs(t, err, domain.ErrBlockedConversation)

	// a rejected append leaves no partial state
	got, _ := svc.GetConversation(ctx, conv.ID, alice)
	assert.Equal(t, int64(0), got.MessageCount)
	pb, _ := got.Participant(bob)
	assert.Equal(t, int64(0), pb.UnreadCount)
}

func TestAppendMessage_ReplyMustStayInConversation(t *testing.T) {
	svc, store := newTestService(t)
	conv1 := newDirectConversation(t, svc, store)

	conv2, _, err := svc.CreateConversation(context.Background(), CreateConversationCommand{
		CreatorUserID:     alice.UserID,
		CreatorBusinessID: alice.BusinessID,
		Participants:      []domain.ParticipantKey{carol},
		Subject:           "other thread",
	})
	assert.NoError(t, err)

	parent := appendText(t, svc, conv1.ID, alice, "root")

	_, err = svc.AppendMessage(context.Background(), AppendMessageCommand{
		ConversationID:   conv2.ID,
		SenderUserID:     alice.UserID,
		SenderBusinessID: alice.BusinessID,
		Content:          "cross reply",
		ReplyToID:        parent.ID,
	})
	assert.ErrorIs(t, err, domain.ErrReplyCrossConv)

	// in-conversation reply works
	msg, err := svc.AppendMessage(context.Background(), AppendMessageCommand{
		ConversationID:   conv1.ID,
		SenderUserID:     bob.UserID,
		SenderBusinessID: bob.BusinessID,
		Content:          "reply",
		ReplyToID:        parent.ID,
	})
	assert.NoError(t, err)
	assert.Equal(t, parent.ID, msg.ReplyToID)
}

func TestAppendMessage_IdempotentReplay(t *testing.T) {
	svc, store := newTestService(t)
	conv := newDirectConversation(t, svc, store)
	ctx := context.Background()

	cmd := AppendMessageCommand{
		ConversationID:   conv.ID,
		SenderUserID:     alice.UserID,
		SenderBusinessID: alice.BusinessID,
		ClientMsgID:      "client-123",
		Content:          "only once",
	}

	first, err := svc.AppendMessage(ctx, cmd)
	assert.NoError(t, err)

	second, err := svc.AppendMessage(ctx, cmd)
	assert.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Sequence, second.Sequence)

	got, _ := svc.GetConversation(ctx, conv.ID, alice)
	assert.Equal(t, int64(1), got.MessageCount, "replay must not append a second message")
	pb, _ := got.Participant(bob)
	assert.Equal(t, int64(1), pb.UnreadCount, "replay must not double-count unread")
}
