package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/bizlink/messaging/internal/domain"
)

// Repository is the storage port for the messaging core. Methods taking a
// *sql.Tx participate in the caller's transaction when it is non-nil; the
// in-memory implementation ignores it.
type Repository interface {
	// Conversations
	InsertConversation(ctx context.Context, tx *sql.Tx, conv *domain.Conversation, lookupKey *string) error
	GetConversation(ctx context.Context, tx *sql.Tx, convID string) (*domain.Conversation, error)
	GetConversationLocked(ctx context.Context, tx *sql.Tx, convID string) (*domain.Conversation, error)
	GetConversationByLookupKey(ctx context.Context, tx *sql.Tx, key string) (*domain.Conversation, error)
	UpdateConversationStatus(ctx context.Context, tx *sql.Tx, convID string, status domain.ConversationStatus) error
	DeleteConversation(ctx context.Context, tx *sql.Tx, convID string) error
	ListConversationsForParticipant(ctx context.Context, userID, businessID string, includeArchived bool) ([]*domain.Conversation, error)

	// Participants
	InsertParticipant(ctx context.Context, tx *sql.Tx, convID string, p domain.Participant) error
	DeleteParticipant(ctx context.Context, tx *sql.Tx, convID string, key domain.ParticipantKey) error
	SetParticipantArchived(ctx context.Context, tx *sql.Tx, convID string, key domain.ParticipantKey, archived bool) error

	// Read-state reconciliation. All counter mutations are applied inside the
	// caller's per-conversation serialization window.
	BumpConversationOnAppend(ctx context.Context, tx *sql.Tx, convID, lastMessageID string, at time.Time) error
	IncrementUnread(ctx context.Context, tx *sql.Tx, convID string, exceptUserID string) error
	MarkConversationRead(ctx context.Context, tx *sql.Tx, convID string, key domain.ParticipantKey, at time.Time) error
	AdvanceReadMarker(ctx context.Context, tx *sql.Tx, convID string, key domain.ParticipantKey, at time.Time) (time.Time, error)
	SetUnreadCount(ctx context.Context, tx *sql.Tx, convID string, key domain.ParticipantKey, n int64) error
	GetParticipant(ctx context.Context, convID string, key domain.ParticipantKey) (*domain.Participant, error)
	CountUnreadMessages(ctx context.Context, tx *sql.Tx, convID string, key domain.ParticipantKey, after time.Time) (int64, error)
	UnreadTotal(ctx context.Context, userID string) (int64, error)

	// Sequences. Both counters are per conversation and claimed in-transaction.
	NextSequence(ctx context.Context, tx *sql.Tx, convID string) (int64, error)
	NextDeltaSeq(ctx context.Context, tx *sql.Tx, convID string) (int64, error)
	InitSequences(ctx context.Context, tx *sql.Tx, convID string) error

	// Messages
	InsertMessage(ctx context.Context, tx *sql.Tx, msg *domain.Message) error
	UpdateMessage(ctx context.Context, tx *sql.Tx, msg *domain.Message) error
	GetMessage(ctx context.Context, tx *sql.Tx, msgID string) (*domain.Message, error)
	GetMessageForUpdate(ctx context.Context, tx *sql.Tx, msgID string) (*domain.Message, error)
	ListMessages(ctx context.Context, convID string, before time.Time, beforeSeq int64, limit int) ([]*domain.Message, error)
	FetchMessagesAfter(ctx context.Context, convID string, afterSeq int64, limit int) ([]*domain.Message, error)

	// Idempotency
	TryInsertIdempotency(ctx context.Context, tx *sql.Tx, key, userID, conversationID string, expiresAt time.Time) (bool, error)
	GetIdempotencyForUpdate(ctx context.Context, tx *sql.Tx, key, userID, conversationID string) ([]byte, error)
	UpdateIdempotencyResponse(ctx context.Context, tx *sql.Tx, key, userID, conversationID string, payload []byte) error

	// Outbox
	InsertOutbox(ctx context.Context, tx *sql.Tx, aggregateType, aggregateID, eventType string, payload []byte) error
}
