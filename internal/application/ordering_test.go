package application

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Concurrent appenders must come out with unique, gapless sequences and a
// message count matching the number of successful appends.
func TestAppendMessage_ConcurrentSequencing(t *testing.T) {
	svc, store := newTestService(t)
	conv := newDirectConversation(t, svc, store)
	ctx := context.Background()

	const n = 100

	var wg sync.WaitGroup
	seqs := make(chan int64, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := alice
			if i%2 == 0 {
				sender = bob
			}
			msg, err := svc.AppendMessage(ctx, AppendMessageCommand{
				ConversationID:   conv.ID,
				SenderUserID:     sender.UserID,
				SenderBusinessID: sender.BusinessID,
				Content:          fmt.Sprintf("message %d", i),
			})
			if err != nil {
				t.Errorf("append %d: %v", i, err)
				return
			}
			seqs <- msg.Sequence
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool, n)
	for seq := range seqs {
		assert.False(t, seen[seq], "duplicate sequence %d", seq)
		seen[seq] = true
	}
	assert.Len(t, seen, n)
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], "missing sequence %d", i)
	}

	got, err := svc.GetConversation(ctx, conv.ID, alice)
	assert.NoError(t, err)
	assert.Equal(t, int64(n), got.MessageCount)

	// unread counters account for exactly the other side's messages
	pa, _ := got.Participant(alice)
	pb, _ := got.Participant(bob)
	assert.Equal(t, int64(n/2), pa.UnreadCount)
	assert.Equal(t, int64(n/2), pb.UnreadCount)
}

// Delta sequences must be monotonic per conversation across mixed mutation
// kinds, so subscribers can dedup on them.
func TestDeltaSeq_MonotonicAcrossMutations(t *testing.T) {
	svc, store := newTestService(t)
	conv := newDirectConversation(t, svc, store)
	ctx := context.Background()

	msg := appendText(t, svc, conv.ID, alice, "v1")
	assert.NoError(t, svc.EditMessage(ctx, EditMessageCommand{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		EditorUserID:   alice.UserID,
		NewContent:     "v2",
	}))
	assert.NoError(t, svc.MarkConversationRead(ctx, MarkConversationReadCommand{
		ConversationID: conv.ID,
		ReaderUserID:   bob.UserID,
		ReaderBusiness: bob.BusinessID,
	}))

	var last int64
	for _, e := range store.DrainOutbox() {
		if e.EventType != "DELTA" {
			continue
		}
		var delta struct {
			DeltaSeq int64 `json:"delta_seq"`
		}
		assert.NoError(t, json.Unmarshal(e.Payload, &delta))
		assert.Greater(t, delta.DeltaSeq, last, "delta_seq must strictly increase")
		last = delta.DeltaSeq
	}
	// the creation delta claimed seq 1 before the three mutations above
	assert.Equal(t, int64(4), last)
}
