package notifier

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bizlink/messaging/internal/domain"
)

const (
	SendQueueSize = 128
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
)

// Session is one subscriber connection. A session belongs to a participant
// key on one device and optionally restricts delivery to a set of
// conversations. Until the resume sync completes the session buffers incoming
// deltas instead of sending them, so a client never sees a live delta before
// the catch-up page that precedes it.
type Session struct {
	ID       string
	Key      domain.ParticipantKey
	DeviceID string

	Conn      *websocket.Conn
	SendQueue chan []byte
	done      chan struct{}
	closed    atomic.Int32
	ready     atomic.Bool

	// nil means all of the participant's conversations.
	filter map[string]struct{}

	resumeBuffer []bufferedDelta
	resumeMu     sync.Mutex
}

type bufferedDelta struct {
	convID     string
	deltaSeq   int64
	occurredAt time.Time
	payload    []byte
}

func NewSession(id string, key domain.ParticipantKey, deviceID string, conversations []string, conn *websocket.Conn) *Session {
	var filter map[string]struct{}
	if len(conversations) > 0 {
		filter = make(map[string]struct{}, len(conversations))
		for _, c := range conversations {
			filter[c] = struct{}{}
		}
	}
	return &Session{
		ID:        id,
		Key:       key,
		DeviceID:  deviceID,
		Conn:      conn,
		SendQueue: make(chan []byte, SendQueueSize),
		done:      make(chan struct{}),
		filter:    filter,
	}
}

func (s *Session) Start() {
	go s.writeLoop()
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wants reports whether the session's filter admits deltas for the
// conversation.
func (s *Session) Wants(convID string) bool {
	if s.filter == nil {
		return true
	}
	_, ok := s.filter[convID]
	return ok
}

func (s *Session) SetReady() {
	s.ready.Store(true)
}

func (s *Session) IsReady() bool {
	return s.ready.Load()
}

// Buffer holds a delta for a not-yet-ready session. Returns false once the
// session is ready, meaning the caller should send directly.
func (s *Session) Buffer(event *domain.DeltaEvent, payload []byte) bool {
	s.resumeMu.Lock()
	defer s.resumeMu.Unlock()

	if s.ready.Load() {
		return false
	}

	s.resumeBuffer = append(s.resumeBuffer, bufferedDelta{
		convID:     event.ConversationID,
		deltaSeq:   event.DeltaSeq,
		occurredAt: event.OccurredAt,
		payload:    payload,
	})
	return true
}

// FlushBufferSorted replays buffered deltas in per-conversation sequence
// order and marks the session ready. Deltas from different conversations fall
// back to occurrence time.
func (s *Session) FlushBufferSorted() {
	s.resumeMu.Lock()
	defer s.resumeMu.Unlock()

	if s.ready.Load() {
		return
	}

	sort.Slice(s.resumeBuffer, func(i, j int) bool {
		a, b := s.resumeBuffer[i], s.resumeBuffer[j]
		if a.convID == b.convID {
			return a.deltaSeq < b.deltaSeq
		}
		return a.occurredAt.Before(b.occurredAt)
	})

	// Mark ready while holding lock to avoid race with Buffer()
	s.ready.Store(true)

	for _, b := range s.resumeBuffer {
		if !s.TrySend(b.payload) {
			log.Printf("session: failed to send buffered delta participant=%s device=%s", s.Key, s.DeviceID)
		}
	}

	s.resumeBuffer = nil
}

// TrySend enqueues without blocking. A full queue means the client is not
// keeping up; the connection is dropped so it can reconnect and resync
// instead of silently losing deltas.
func (s *Session) TrySend(msg []byte) bool {
	if s.closed.Load() == 1 {
		return false
	}
	select {
	case s.SendQueue <- msg:
		return true
	default:
		log.Printf("session: backpressure overflow participant=%s device=%s - dropping connection", s.Key, s.DeviceID)
		s.CloseWithReason(websocket.CloseInternalServerErr, "backpressure overflow")
		return false
	}
}

// SendControl marshals and enqueues a server-to-client control frame (sync
// pages, acks).
func (s *Session) SendControl(v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return s.TrySend(payload)
}

func (s *Session) Close() {
	s.CloseWithReason(websocket.CloseNormalClosure, "server closing")
}

func (s *Session) CloseWithReason(code int, reason string) {
	if !s.closed.CompareAndSwap(0, 1) {
		return
	}

	log.Printf("session: closing participant=%s device=%s code=%d reason=%s", s.Key, s.DeviceID, code, reason)
	close(s.done)

	if s.Conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = s.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		s.Conn.Close()
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case msg, ok := <-s.SendQueue:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("session: write error participant=%s device=%s: %v", s.Key, s.DeviceID, err)
				return
			}
		case <-ticker.C:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("session: ping error participant=%s device=%s: %v", s.Key, s.DeviceID, err)
				return
			}
		case <-s.done:
			return
		}
	}
}
