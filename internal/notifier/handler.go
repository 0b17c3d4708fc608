package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bizlink/messaging/internal/application"
	"github.com/bizlink/messaging/internal/domain"
	"github.com/bizlink/messaging/internal/observability"
)

const syncPageSize = 100

// resumeWait bounds how long the server waits for the client's resume frame.
var resumeWait = 30 * time.Second

// Handler upgrades subscriber connections and runs the resume protocol:
// the client's first frame names the last message sequence it has per
// conversation, the server replays everything newer, then flushes deltas
// buffered while the catch-up ran.
type Handler struct {
	registry *Registry
	app      *application.Service
}

type ResumeRequest struct {
	LastSequences map[string]int64 `json:"last_sequences"`
}

func NewHandler(registry *Registry, app *application.Service) *Handler {
	return &Handler{registry: registry, app: app}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := domain.ParticipantKey{
		UserID:     r.Header.Get("X-User-ID"),
		BusinessID: r.Header.Get("X-Business-ID"),
	}
	deviceID := r.URL.Query().Get("device_id")

	if key.UserID == "" || key.BusinessID == "" || deviceID == "" {
		http.Error(w, "missing identity or device_id", http.StatusBadRequest)
		return
	}

	// Optional comma-separated conversation filter.
	var conversations []string
	if raw := r.URL.Query().Get("conversations"); raw != "" {
		conversations = strings.Split(raw, ",")
	}

	log := observability.GetLogger(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("upgrade error", zap.Error(err))
		return
	}

	session := NewSession(uuid.NewString(), key, deviceID, conversations, conn)

	// Register session but it's not ready yet
	h.registry.Add(session)
	session.Start()
	log.Info("connected",
		zap.String("participant", key.String()),
		zap.String("device_id", deviceID))

	// handleResume must run before readLoop to avoid concurrent readers
	h.handleResume(session)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go h.readLoop(session)
}

func (h *Handler) readLoop(s *Session) {
	defer func() {
		h.registry.Remove(s)
		s.Close()
		log := observability.GetLogger(context.Background())
		log.Info("disconnected",
			zap.String("participant", s.Key.String()),
			zap.String("device_id", s.DeviceID))
	}()

	for {
		if _, _, err := s.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log := observability.GetLogger(context.Background())
				log.Error("read loop error",
					zap.String("participant", s.Key.String()),
					zap.String("device_id", s.DeviceID),
					zap.Error(err))
			}
			return
		}
	}
}

func (h *Handler) handleResume(s *Session) {
	// A client that never sends its resume frame must not pin the handler
	// goroutine and a registry slot.
	_ = s.Conn.SetReadDeadline(time.Now().Add(resumeWait))
	_, msg, err := s.Conn.ReadMessage()
	if err != nil {
		s.Close()
		return
	}

	var req ResumeRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		s.Close()
		return
	}

	ctx := context.Background()
	log := observability.GetLogger(ctx)

	// List the participant's conversations to discover ones created while
	// the client was offline.
	convs, err := h.app.ListConversations(ctx, s.Key, true)
	if err != nil {
		log.Error("resume: error listing conversations",
			zap.String("participant", s.Key.String()), zap.Error(err))
	}

	toSync := make(map[string]int64)
	for cid, seq := range req.LastSequences {
		if s.Wants(cid) {
			toSync[cid] = seq
		}
	}
	for _, conv := range convs {
		if !s.Wants(conv.ID) {
			continue
		}
		if _, ok := toSync[conv.ID]; !ok {
			toSync[conv.ID] = 0 // new conversation caught while offline
		}
	}

	for convID, lastSeq := range toSync {
		h.syncConversation(ctx, s, convID, lastSeq)
	}

	// Resume complete
	s.FlushBufferSorted()
}

func (h *Handler) syncConversation(ctx context.Context, s *Session, convID string, lastSeq int64) {
	log := observability.GetLogger(ctx)
	currentSeq := lastSeq
	for {
		msgs, err := h.app.SyncMessages(ctx, convID, s.Key, currentSeq, syncPageSize)
		if err != nil {
			log.Error("resume: error syncing messages",
				zap.String("conversation_id", convID), zap.Error(err))
			return
		}
		if len(msgs) == 0 {
			return
		}

		for _, m := range msgs {
			h.sendMessageAsDelta(s, m)
			if m.Sequence > currentSeq {
				currentSeq = m.Sequence
			}
		}

		if len(msgs) < syncPageSize {
			return // no more pages
		}
	}
}

// sendMessageAsDelta replays a stored message in the same wire shape live
// deltas use, so the client has one code path.
func (h *Handler) sendMessageAsDelta(s *Session, m *domain.Message) {
	event := &domain.DeltaEvent{
		Kind:           domain.DeltaMessageSent,
		SchemaVersion:  1,
		ConversationID: m.ConversationID,
		OccurredAt:     m.SentAt,
		Message:        domain.NewMessageDelta(m),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.TrySend(payload)
}
