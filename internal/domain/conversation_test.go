package domain

import (
	"errors"
	"testing"
	"time"
)

func directConversation() *Conversation {
	now := time.Now()
	c := &Conversation{ID: "c1", Status: StatusActive, CreatedAt: now}
	c.AddParticipant(ParticipantKey{UserID: "u1", BusinessID: "b1"}, now)
	c.AddParticipant(ParticipantKey{UserID: "u2", BusinessID: "b2"}, now)
	return c
}

func TestAddParticipant_Idempotent(t *testing.T) {
	c := directConversation()
	key := ParticipantKey{UserID: "u1", BusinessID: "b1"}

	// preserve read state on repeat add
	p, _ := c.Participant(key)
	p.UnreadCount = 7

	if c.AddParticipant(key, time.Now()) {
		t.Error("adding an existing pair should report false")
	}
	p, _ = c.Participant(key)
	if p.UnreadCount != 7 {
		t.Error("repeat add must not reset participant state")
	}

	// same user under a different business is a distinct participant
	if !c.AddParticipant(ParticipantKey{UserID: "u1", BusinessID: "b9"}, time.Now()) {
		t.Error("same user with another business should be added")
	}
	if len(c.Participants) != 3 {
		t.Errorf("expected 3 participants, got %d", len(c.Participants))
	}
}

func TestRemoveParticipant_MinMembership(t *testing.T) {
	c := directConversation()

	err := c.RemoveParticipant(ParticipantKey{UserID: "u2", BusinessID: "b2"})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("direct conversation below 2 participants: expected invariant violation, got %v", err)
	}

	// removing an absent pair is a no-op
	if err := c.RemoveParticipant(ParticipantKey{UserID: "ghost", BusinessID: "b0"}); err != nil {
		t.Errorf("absent removal should be nil, got %v", err)
	}

	g := &Conversation{ID: "g1", Status: StatusActive, IsGroup: true}
	g.AddParticipant(ParticipantKey{UserID: "u1", BusinessID: "b1"}, time.Now())
	g.AddParticipant(ParticipantKey{UserID: "u2", BusinessID: "b2"}, time.Now())

	if err := g.RemoveParticipant(ParticipantKey{UserID: "u2", BusinessID: "b2"}); err != nil {
		t.Fatalf("group down to one member should be allowed: %v", err)
	}
	err = g.RemoveParticipant(ParticipantKey{UserID: "u1", BusinessID: "b1"})
	if !errors.Is(err, ErrLastParticipant) {
		t.Errorf("removing the last group member: expected ErrLastParticipant, got %v", err)
	}
}

func TestSetStatus_Transitions(t *testing.T) {
	cases := []struct {
		from    ConversationStatus
		to      ConversationStatus
		unblock bool
		ok      bool
	}{
		{StatusActive, StatusArchived, false, true},
		{StatusActive, StatusBlocked, false, true},
		{StatusArchived, StatusActive, false, true},
		{StatusArchived, StatusBlocked, false, false},
		{StatusBlocked, StatusActive, false, false},
		{StatusBlocked, StatusActive, true, true},
		{StatusBlocked, StatusArchived, true, false},
	}

	for _, tc := range cases {
		c := &Conversation{Status: tc.from}
		err := c.SetStatus(tc.to, tc.unblock)
		if tc.ok && err != nil {
			t.Errorf("%s -> %s (unblock=%v): unexpected error %v", tc.from, tc.to, tc.unblock, err)
		}
		if !tc.ok && !errors.Is(err, ErrStatusTransition) {
			t.Errorf("%s -> %s (unblock=%v): expected ErrStatusTransition, got %v", tc.from, tc.to, tc.unblock, err)
		}
	}

	// same-state set is a no-op
	c := &Conversation{Status: StatusBlocked}
	if err := c.SetStatus(StatusBlocked, false); err != nil {
		t.Errorf("no-op transition should succeed, got %v", err)
	}
}

func TestCanSend(t *testing.T) {
	c := directConversation()

	if err := c.CanSend(ParticipantKey{UserID: "u1", BusinessID: "b1"}); err != nil {
		t.Errorf("participant should be able to send: %v", err)
	}
	if err := c.CanSend(ParticipantKey{UserID: "u3", BusinessID: "b3"}); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("outsider: expected ErrNotParticipant, got %v", err)
	}

	c.Status = StatusBlocked
	if err := c.CanSend(ParticipantKey{UserID: "u1", BusinessID: "b1"}); !errors.Is(err, ErrBlockedConversation) {
		t.Errorf("blocked: expected ErrBlockedConversation, got %v", err)
	}

	// archived still accepts sends
	c.Status = StatusArchived
	if err := c.CanSend(ParticipantKey{UserID: "u1", BusinessID: "b1"}); err != nil {
		t.Errorf("archived conversation should accept sends: %v", err)
	}
}

func TestTouchActivity_Monotone(t *testing.T) {
	c := directConversation()
	t1 := time.Now()
	c.TouchActivity(t1)
	c.TouchActivity(t1.Add(-time.Hour))
	if !c.LastActivity.Equal(t1) {
		t.Errorf("LastActivity regressed to %v", c.LastActivity)
	}
}

func TestLookupKey_OrderInsensitive(t *testing.T) {
	a := LookupKey([]ParticipantKey{{"u1", "b1"}, {"u2", "b2"}})
	b := LookupKey([]ParticipantKey{{"u2", "b2"}, {"u1", "b1"}})
	if a != b {
		t.Errorf("lookup key must not depend on order: %q vs %q", a, b)
	}

	other := LookupKey([]ParticipantKey{{"u1", "b1"}, {"u2", "b9"}})
	if a == other {
		t.Error("different participant sets must not collide")
	}
}
