package domain

import "time"

type DeltaKind string

const (
	DeltaConversationCreated DeltaKind = "conversation_created"
	DeltaMessageSent         DeltaKind = "message_sent"
	DeltaMessageEdited       DeltaKind = "message_edited"
	DeltaMessageDeleted      DeltaKind = "message_deleted"
	DeltaReadStateChanged    DeltaKind = "read_state_changed"
	DeltaArchiveToggled      DeltaKind = "archive_toggled"
	DeltaStatusChanged       DeltaKind = "status_changed"
	DeltaMembershipChanged   DeltaKind = "membership_changed"
)

// MessageDelta is the wire shape of a message inside a delta event. Deleted
// messages carry the placeholder, never the original content.
type MessageDelta struct {
	ID               string       `json:"id"`
	ConversationID   string       `json:"conversation_id"`
	SenderUserID     string       `json:"sender_user_id"`
	SenderBusinessID string       `json:"sender_business_id"`
	Sequence         int64        `json:"sequence"`
	Type             MessageType  `json:"type"`
	Content          string       `json:"content"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	ReplyToID        string       `json:"reply_to_id,omitempty"`
	SentAt           time.Time    `json:"sent_at"`
}

func NewMessageDelta(m *Message) *MessageDelta {
	return &MessageDelta{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		SenderUserID:     m.SenderUserID,
		SenderBusinessID: m.SenderBusinessID,
		Sequence:         m.Sequence,
		Type:             m.Type,
		Content:          m.DisplayContent(),
		Attachments:      m.DisplayAttachments(),
		ReplyToID:        m.ReplyToID,
		SentAt:           m.SentAt,
	}
}

// DeltaEvent describes one committed mutation's effect on a conversation.
// DeltaSeq is monotonic per conversation and is claimed inside the same
// transaction as the mutation, so subscribers can drop re-deliveries with a
// sequence they have already applied. Recipients is the participant set at
// commit time; fan-out never has to re-resolve membership and therefore never
// races a concurrent membership change.
type DeltaEvent struct {
	Kind           DeltaKind        `json:"kind"`
	SchemaVersion  int              `json:"schema_version"`
	ConversationID string           `json:"conversation_id"`
	DeltaSeq       int64            `json:"delta_seq"`
	OccurredAt     time.Time        `json:"occurred_at"`
	Recipients     []ParticipantKey `json:"recipients"`

	Message   *MessageDelta `json:"message,omitempty"`
	MessageID string        `json:"message_id,omitempty"`

	// Read/archive/membership deltas.
	Actor    *ParticipantKey `json:"actor,omitempty"`
	ReadAt   *time.Time      `json:"read_at,omitempty"`
	Archived *bool           `json:"archived,omitempty"`
	Added    *bool           `json:"added,omitempty"`

	// Status deltas.
	Status ConversationStatus `json:"status,omitempty"`
}

// NotificationEvent is the fire-and-forget payload handed to the external
// notification collaborator (email/push) per new message.
type NotificationEvent struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	SenderUserID   string `json:"sender_user_id"`
	ContentPreview string `json:"content_preview"`
}
