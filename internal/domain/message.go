package domain

import (
	"encoding/json"
	"time"
)

const MaxMessageSize = 5000

// DeletedPlaceholder is what readers see in place of soft-deleted content.
const DeletedPlaceholder = "[message deleted]"

type MessageType string

const (
	MessageText        MessageType = "text"
	MessageInquiry     MessageType = "inquiry"
	MessagePricing     MessageType = "pricing_request"
	MessagePartnership MessageType = "partnership_proposal"
	MessageSystem      MessageType = "system"
	MessageQuote       MessageType = "quote_response"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageInquiry, MessagePricing, MessagePartnership, MessageSystem, MessageQuote:
		return true
	}
	return false
}

type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentDocument AttachmentKind = "document"
	AttachmentLink     AttachmentKind = "link"
)

// Attachment is immutable once attached to a message.
type Attachment struct {
	Kind         AttachmentKind `json:"kind"`
	URL          string         `json:"url"`
	Filename     string         `json:"filename"`
	OriginalName string         `json:"original_name"`
	Size         int64          `json:"size"`
	MimeType     string         `json:"mime_type"`
}

// QuotePayload is the typed payload carried by quote_response messages.
type QuotePayload struct {
	QuoteID    string     `json:"quote_id"`
	Amount     int64      `json:"amount_cents"`
	Currency   string     `json:"currency"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// ParseQuotePayload decodes and validates the metadata of a quote_response
// message. Amount is in cents and must be positive.
func ParseQuotePayload(metadata string) (*QuotePayload, error) {
	var q QuotePayload
	if err := json.Unmarshal([]byte(metadata), &q); err != nil {
		return nil, ErrInvalidQuote
	}
	if q.QuoteID == "" || q.Amount <= 0 || q.Currency == "" {
		return nil, ErrInvalidQuote
	}
	return &q, nil
}

type ReadReceipt struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

type Deletion struct {
	UserID    string    `json:"user_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

type Edit struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"edited_at"`
}

// Message Invariants:
// 1. Ordering: Sequence is monotonic and unique per conversation; SentAt ties
//    are broken by Sequence.
// 2. Content is bounded by MaxMessageSize; once IsDeleted the observable
//    content is DeletedPlaceholder and attachments are hidden, but the record
//    and EditHistory are retained for audit.
// 3. EditHistory is append-only; each edit snapshots the prior content first.
// 4. ReadBy holds at most one entry per user; the latest ReadAt wins.
type Message struct {
	ID               string
	ConversationID   string
	SenderUserID     string
	SenderBusinessID string
	Sequence         int64
	Type             MessageType
	Content          string
	Attachments      []Attachment
	ReadBy           []ReadReceipt
	IsDeleted        bool
	DeletedBy        []Deletion
	EditHistory      []Edit
	ReplyToID        string
	Metadata         string
	SentAt           time.Time
}

func NewMessage(
	id string,
	conversationID string,
	senderUserID string,
	senderBusinessID string,
	sequence int64,
	msgType MessageType,
	content string,
	attachments []Attachment,
	replyToID string,
	metadata string,
	now time.Time,
) (*Message, error) {

	if id == "" || conversationID == "" || senderUserID == "" || senderBusinessID == "" {
		return nil, ErrInvalidMessage
	}

	if sequence <= 0 {
		return nil, ErrInvalidMessage
	}

	if !msgType.Valid() {
		return nil, ErrInvalidMessage
	}

	if len(content) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	if msgType == MessageQuote {
		if _, err := ParseQuotePayload(metadata); err != nil {
			return nil, err
		}
	}

	return &Message{
		ID:               id,
		ConversationID:   conversationID,
		SenderUserID:     senderUserID,
		SenderBusinessID: senderBusinessID,
		Sequence:         sequence,
		Type:             msgType,
		Content:          content,
		Attachments:      attachments,
		ReplyToID:        replyToID,
		Metadata:         metadata,
		SentAt:           now.UTC(),
	}, nil
}

// MarkRead upserts a receipt for userID. A receipt never regresses: an `at`
// at or before the existing entry is absorbed, reported as false.
func (m *Message) MarkRead(userID string, at time.Time) bool {
	for i := range m.ReadBy {
		if m.ReadBy[i].UserID == userID {
			if !at.After(m.ReadBy[i].ReadAt) {
				return false
			}
			m.ReadBy[i].ReadAt = at
			return true
		}
	}
	m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: userID, ReadAt: at})
	return true
}

// ApplyEdit snapshots the current content into EditHistory and replaces it.
func (m *Message) ApplyEdit(editorUserID, newContent string, at time.Time) error {
	if m.IsDeleted {
		return ErrMessageDeleted
	}
	if editorUserID != m.SenderUserID {
		return ErrNotSender
	}
	if len(newContent) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	m.EditHistory = append(m.EditHistory, Edit{Content: m.Content, EditedAt: at})
	m.Content = newContent
	return nil
}

// SoftDelete marks the message deleted. Returns false when this user already
// deleted it (idempotent no-op).
func (m *Message) SoftDelete(userID string, at time.Time) bool {
	for _, d := range m.DeletedBy {
		if d.UserID == userID {
			return false
		}
	}
	m.DeletedBy = append(m.DeletedBy, Deletion{UserID: userID, DeletedAt: at})
	m.IsDeleted = true
	return true
}

// DisplayContent is the externally observable content.
func (m *Message) DisplayContent() string {
	if m.IsDeleted {
		return DeletedPlaceholder
	}
	return m.Content
}

// DisplayAttachments hides attachments on deleted messages.
func (m *Message) DisplayAttachments() []Attachment {
	if m.IsDeleted {
		return nil
	}
	return m.Attachments
}

// Quote returns the typed payload of a quote_response message, nil for every
// other type.
func (m *Message) Quote() (*QuotePayload, error) {
	if m.Type != MessageQuote {
		return nil, nil
	}
	return ParseQuotePayload(m.Metadata)
}
