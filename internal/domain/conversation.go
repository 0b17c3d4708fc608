package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusArchived ConversationStatus = "archived"
	StatusBlocked  ConversationStatus = "blocked"
)

// ParticipantKey identifies a participant: a user acting on behalf of a business.
type ParticipantKey struct {
	UserID     string `json:"user_id"`
	BusinessID string `json:"business_id"`
}

func (k ParticipantKey) String() string {
	return k.UserID + "|" + k.BusinessID
}

// Participant carries the per-participant mutable state embedded in a
// conversation: read marker, denormalized unread counter and archive flag.
type Participant struct {
	UserID      string
	BusinessID  string
	JoinedAt    time.Time
	LastReadAt  time.Time
	UnreadCount int64
	IsArchived  bool
}

func (p Participant) Key() ParticipantKey {
	return ParticipantKey{UserID: p.UserID, BusinessID: p.BusinessID}
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type Metadata struct {
	InquiryType      string   `json:"inquiry_type,omitempty"`
	RelatedProductID string   `json:"related_product_id,omitempty"`
	Priority         Priority `json:"priority,omitempty"`
	Tags             []string `json:"tags,omitempty"`
}

// Conversation Invariants:
// 1. Membership: at most one Participant per (user, business) pair; at least
//    2 participants for direct conversations, 1 for group/system.
// 2. MessageCount counts messages ever appended; soft deletes do not decrement.
// 3. LastActivity is monotonically non-decreasing.
// 4. A participant's LastReadAt only moves forward.
// 5. A conversation with zero participants is invalid and must be deleted as a
//    whole, never retained.
type Conversation struct {
	ID            string
	Participants  []Participant
	Subject       string
	LastMessageID string
	LastActivity  time.Time
	MessageCount  int64
	Status        ConversationStatus
	IsGroup       bool
	Metadata      Metadata
	CreatedAt     time.Time
}

func (c *Conversation) MinParticipants() int {
	if c.IsGroup {
		return 1
	}
	return 2
}

func (c *Conversation) Participant(key ParticipantKey) (*Participant, bool) {
	for i := range c.Participants {
		if c.Participants[i].UserID == key.UserID && c.Participants[i].BusinessID == key.BusinessID {
			return &c.Participants[i], true
		}
	}
	return nil, false
}

// CanSend verifies the sender may append to this conversation.
func (c *Conversation) CanSend(key ParticipantKey) error {
	if c.Status == StatusBlocked {
		return ErrBlockedConversation
	}
	if _, ok := c.Participant(key); !ok {
		return ErrNotParticipant
	}
	return nil
}

// AddParticipant is idempotent: an existing (user, business) pair is left
// untouched and reported as not added.
func (c *Conversation) AddParticipant(key ParticipantKey, now time.Time) bool {
	if _, ok := c.Participant(key); ok {
		return false
	}
	c.Participants = append(c.Participants, Participant{
		UserID:     key.UserID,
		BusinessID: key.BusinessID,
		JoinedAt:   now,
	})
	return true
}

// RemoveParticipant removes the pair, refusing removals that would drop the
// conversation below its minimum membership. Deleting the whole aggregate is
// a separate, explicit operation.
func (c *Conversation) RemoveParticipant(key ParticipantKey) error {
	idx := -1
	for i := range c.Participants {
		if c.Participants[i].UserID == key.UserID && c.Participants[i].BusinessID == key.BusinessID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil // already removed
	}
	if len(c.Participants)-1 < c.MinParticipants() {
		return ErrLastParticipant
	}
	c.Participants = append(c.Participants[:idx], c.Participants[idx+1:]...)
	return nil
}

// SetStatus enforces the transition table: active -> archived, active -> blocked,
// archived -> active. Blocked is terminal except explicit unblock.
func (c *Conversation) SetStatus(next ConversationStatus, unblock bool) error {
	if c.Status == next {
		return nil
	}
	switch {
	case c.Status == StatusActive && (next == StatusArchived || next == StatusBlocked):
	case c.Status == StatusArchived && next == StatusActive:
	case c.Status == StatusBlocked && next == StatusActive && unblock:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrStatusTransition, c.Status, next)
	}
	c.Status = next
	return nil
}

// TouchActivity clamps LastActivity to be monotone.
func (c *Conversation) TouchActivity(at time.Time) {
	if at.After(c.LastActivity) {
		c.LastActivity = at
	}
}

// LookupKey is the canonical identity of a non-group conversation's participant
// set, used to deduplicate repeated inquiries between the same parties.
func LookupKey(keys []ParticipantKey) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k.String())
	}
	sort.Strings(parts)
	return "direct:" + strings.Join(parts, ",")
}
