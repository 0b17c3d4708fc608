package notifier

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/bizlink/messaging/internal/domain"
)

func TestDispatcher_DeliversToRecipientsOnly(t *testing.T) {
	registry := NewRegistry()
	d := NewDispatcher(registry, nil)

	kAlice := domain.ParticipantKey{UserID: "alice", BusinessID: "acme"}
	kBob := domain.ParticipantKey{UserID: "bob", BusinessID: "globex"}
	kEve := domain.ParticipantKey{UserID: "eve", BusinessID: "evil"}

	sAlice := NewSession("sa", kAlice, "d1", nil, nil)
	sBob := NewSession("sb", kBob, "d1", nil, nil)
	sEve := NewSession("se", kEve, "d1", nil, nil)
	for _, s := range []*Session{sAlice, sBob, sEve} {
		s.SetReady()
		registry.Add(s)
	}

	event := &domain.DeltaEvent{
		Kind:           domain.DeltaMessageSent,
		ConversationID: "c1",
		DeltaSeq:       1,
		Recipients:     []domain.ParticipantKey{kAlice, kBob},
	}
	payload, _ := json.Marshal(event)

	d.Handle(context.Background(), payload)

	if len(sAlice.SendQueue) != 1 {
		t.Errorf("alice should receive the delta, queue=%d", len(sAlice.SendQueue))
	}
	if len(sBob.SendQueue) != 1 {
		t.Errorf("bob should receive the delta, queue=%d", len(sBob.SendQueue))
	}
	if len(sEve.SendQueue) != 0 {
		t.Error("eve is not a recipient and must not receive the delta")
	}

	got := <-sAlice.SendQueue
	var decoded domain.DeltaEvent
	if err := json.Unmarshal(got, &decoded); err != nil {
		t.Fatalf("unmarshal delivered delta: %v", err)
	}
	if decoded.DeltaSeq != 1 || decoded.ConversationID != "c1" {
		t.Errorf("delivered delta mangled: %+v", decoded)
	}
}

func TestDispatcher_HonorsConversationFilter(t *testing.T) {
	registry := NewRegistry()
	d := NewDispatcher(registry, nil)

	key := domain.ParticipantKey{UserID: "alice", BusinessID: "acme"}
	scoped := NewSession("s1", key, "d1", []string{"c2"}, nil)
	scoped.SetReady()
	registry.Add(scoped)

	event := &domain.DeltaEvent{
		Kind:           domain.DeltaMessageSent,
		ConversationID: "c1",
		Recipients:     []domain.ParticipantKey{key},
	}
	payload, _ := json.Marshal(event)
	d.Handle(context.Background(), payload)

	if len(scoped.SendQueue) != 0 {
		t.Error("session filtered to c2 must not receive a c1 delta")
	}
}

func TestDispatcher_BuffersUntilReady(t *testing.T) {
	registry := NewRegistry()
	d := NewDispatcher(registry, nil)

	key := domain.ParticipantKey{UserID: "alice", BusinessID: "acme"}
	s := NewSession("s1", key, "d1", nil, nil)
	registry.Add(s) // not ready: resume still running

	event := &domain.DeltaEvent{
		Kind:           domain.DeltaMessageSent,
		ConversationID: "c1",
		DeltaSeq:       7,
		Recipients:     []domain.ParticipantKey{key},
	}
	payload, _ := json.Marshal(event)
	d.Handle(context.Background(), payload)

	if len(s.SendQueue) != 0 {
		t.Error("delta must be buffered, not sent, before resume completes")
	}

	s.FlushBufferSorted()
	if len(s.SendQueue) != 1 {
		t.Errorf("buffered delta should be released on flush, queue=%d", len(s.SendQueue))
	}
}

func TestDispatcher_IgnoresMalformedRecords(t *testing.T) {
	registry := NewRegistry()
	d := NewDispatcher(registry, nil)

	// must not panic
	d.Handle(context.Background(), []byte("not json"))
	d.DeliverRemote([]byte("{truncated"))
}
