package notifier

import (
	"log"
	"sync"

	"github.com/bizlink/messaging/internal/domain"
	"github.com/bizlink/messaging/internal/observability"
)

// Registry tracks live sessions keyed by participant and device. A second
// connection from the same (participant, device) replaces the first.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.ParticipantKey]map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.ParticipantKey]map[string]*Session),
	}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.Key] == nil {
		r.sessions[s.Key] = make(map[string]*Session)
	}

	if old, ok := r.sessions[s.Key][s.DeviceID]; ok {
		log.Printf("session: replacing existing connection participant=%s device=%s old_sid=%s new_sid=%s",
			s.Key, s.DeviceID, old.ID, s.ID)
		// The replaced session's readLoop will call Remove later; the ID
		// guard there keeps it from evicting this new session.
		old.CloseWithReason(4000, "session_replaced")
	} else {
		observability.SubscriptionsActive.Inc()
	}

	r.sessions[s.Key][s.DeviceID] = s
}

func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if devices, ok := r.sessions[s.Key]; ok {
		// Only remove the same session object, so a late Remove from an old
		// replaced session cannot kill the new one.
		if current, ok := devices[s.DeviceID]; ok && current.ID == s.ID {
			delete(devices, s.DeviceID)
			observability.SubscriptionsActive.Dec()
			if len(devices) == 0 {
				delete(r.sessions, s.Key)
			}
		}
	}
}

func (r *Registry) SessionsFor(key domain.ParticipantKey) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Session
	for _, s := range r.sessions[key] {
		result = append(result, s)
	}
	return result
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, devices := range r.sessions {
		for _, s := range devices {
			s.Close()
		}
	}
}
