package application

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/bizlink/messaging/internal/domain"
	"github.com/bizlink/messaging/internal/repository/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return New(store, memory.Transactor{}, zap.NewNop()), store
}

var (
	alice = domain.ParticipantKey{UserID: "alice", BusinessID: "acme"}
	bob   = domain.ParticipantKey{UserID: "bob", BusinessID: "globex"}
	carol = domain.ParticipantKey{UserID: "carol", BusinessID: "initech"}
)

func newDirectConversation(t *testing.T, svc *Service, store *memory.Store) *domain.Conversation {
	t.Helper()
	conv, created, err := svc.CreateConversation(context.Background(), CreateConversationCommand{
		CreatorUserID:     alice.UserID,
		CreatorBusinessID: alice.BusinessID,
		Participants:      []domain.ParticipantKey{bob},
		Subject:           "pricing discussion",
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if !created {
		t.Fatal("expected a fresh conversation")
	}
	store.DrainOutbox() // discard the creation delta
	return conv
}

func appendText(t *testing.T, svc *Service, convID string, sender domain.ParticipantKey, content string) *domain.Message {
	t.Helper()
	msg, err := svc.AppendMessage(context.Background(), AppendMessageCommand{
		ConversationID:   convID,
		SenderUserID:     sender.UserID,
		SenderBusinessID: sender.BusinessID,
		Content:          content,
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	return msg
}
