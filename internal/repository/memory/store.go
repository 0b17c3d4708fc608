package memory

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/bizlink/messaging/internal/domain"
)

// Store is the in-process Repository used by tests and single-node
// development. The per-conversation write serialization is the application
// layer's concern; the store only guards its own maps.
type Store struct {
	mu sync.RWMutex

	conversations map[string]*domain.Conversation
	lookupKeys    map[string]string // lookup key -> conversation id

	messages map[string]*domain.Message
	byConv   map[string][]string // conversation id -> message ids in sequence order

	sequences map[string]int64
	deltaSeqs map[string]int64

	idempotency map[string]*idemRow
	outbox      []OutboxEntry
}

type idemRow struct {
	expiresAt time.Time
	payload   []byte
}

// OutboxEntry mirrors one row of the transactional outbox.
type OutboxEntry struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

func NewStore() *Store {
	return &Store{
		conversations: make(map[string]*domain.Conversation),
		lookupKeys:    make(map[string]string),
		messages:      make(map[string]*domain.Message),
		byConv:        make(map[string][]string),
		sequences:     make(map[string]int64),
		deltaSeqs:     make(map[string]int64),
		idempotency:   make(map[string]*idemRow),
	}
}

// Transactor is the in-memory stand-in for the SQL transaction manager: the
// store's individual operations are already atomic, so fn just runs.
type Transactor struct{}

func (Transactor) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return fn(ctx, nil)
}

func cloneConversation(c *domain.Conversation) *domain.Conversation {
	cp := *c
	cp.Participants = append([]domain.Participant(nil), c.Participants...)
	cp.Metadata.Tags = append([]string(nil), c.Metadata.Tags...)
	return &cp
}

func cloneMessage(m *domain.Message) *domain.Message {
	cp := *m
	cp.Attachments = append([]domain.Attachment(nil), m.Attachments...)
	cp.ReadBy = append([]domain.ReadReceipt(nil), m.ReadBy...)
	cp.DeletedBy = append([]domain.Deletion(nil), m.DeletedBy...)
	cp.EditHistory = append([]domain.Edit(nil), m.EditHistory...)
	return &cp
}

func (s *Store) InsertConversation(ctx context.Context, tx *sql.Tx, conv *domain.Conversation, lookupKey *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return domain.ErrInvalidInput
	}
	if lookupKey != nil {
		if _, exists := s.lookupKeys[*lookupKey]; exists {
			return domain.ErrConversationExists
		}
		s.lookupKeys[*lookupKey] = conv.ID
	}
	s.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

func (s *Store) GetConversation(ctx context.Context, tx *sql.Tx, convID string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[convID]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

// GetConversationLocked has no row lock to take here; callers already hold the
// conversation's keyed mutex.
func (s *Store) GetConversationLocked(ctx context.Context, tx *sql.Tx, convID string) (*domain.Conversation, error) {
	return s.GetConversation(ctx, tx, convID)
}

func (s *Store) GetConversationByLookupKey(ctx context.Context, tx *sql.Tx, key string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.lookupKeys[key]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	conv, ok := s.conversations[id]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

func (s *Store) UpdateConversationStatus(ctx context.Context, tx *sql.Tx, convID string, status domain.ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[convID]
	if !ok {
		return domain.ErrConversationNotFound
	}
	conv.Status = status
	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, tx *sql.Tx, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conversations, convID)
	for k, id := range s.lookupKeys {
		if id == convID {
			delete(s.lookupKeys, k)
		}
	}
	for _, msgID := range s.byConv[convID] {
		delete(s.messages, msgID)
	}
	delete(s.byConv, convID)
	delete(s.sequences, convID)
	delete(s.deltaSeqs, convID)
	return nil
}

func (s *Store) ListConversationsForParticipant(ctx context.Context, userID, businessID string, includeArchived bool) ([]*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Conversation
	for _, conv := range s.conversations {
		for _, p := range conv.Participants {
			if p.UserID != userID {
				continue
			}
			if businessID != "" && p.BusinessID != businessID {
				continue
			}
			if p.IsArchived && !includeArchived {
				continue
			}
			out = append(out, cloneConversation(conv))
			break
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

func (s *Store) InsertParticipant(ctx context.Context, tx *sql.Tx, convID string, p domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[convID]
	if !ok {
		return domain.ErrConversationNotFound
	}
	if _, exists := conv.Participant(p.Key()); exists {
		return nil
	}
	conv.Participants = append(conv.Participants, p)
	return nil
}

func (s *Store) DeleteParticipant(ctx context.Context, tx *sql.Tx, convID string, key domain.ParticipantKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[convID]
	if !ok {
		return domain.ErrConversationNotFound
	}
	for i := range conv.Participants {
		if conv.Participants[i].Key() == key {
			conv.Participants = append(conv.Participants[:i], conv.Participants[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) SetParticipantArchived(ctx context.Context, tx *sql.Tx, convID string, key domain.ParticipantKey, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[convID]
	if !ok {
		return domain.ErrConversationNotFound
	}
	p, ok := conv.Participant(key)
	if !ok {
		return domain.ErrNotParticipant
	}
	p.IsArchived = archived
	return nil
}

func (s *Store) BumpConversationOnAppend(ctx context.Context, tx *sql.Tx, convID, lastMessageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[convID]
	if !ok {
		return domain.ErrConversationNotFound
	}
	conv.LastMessageID = lastMessageID
	conv.MessageCount++
	conv.TouchActivity(at)
	return nil
}

func (s *Store) IncrementUnread(ctx context.Context, tx *sql.Tx, convID string, exceptUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[convID]
	if !ok {
		return domain.ErrConversationNotFound
	}
	for i := range conv.Participants {
		if conv.Participants[i].UserID != exceptUserID {
			conv.Participants[i].UnreadCount++
		}
	}
	return nil
}

func (s *Store) MarkConversationRead(ctx context.Context, tx *sql.Tx, convID string, key domain.ParticipantKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[convID]
	if !ok {
		return domain.ErrConversationNotFound
	}
	p, ok := conv.Participant(key)
	if !ok {
		return domain.ErrNotParticipant
	}
	if at.After(p.LastReadAt) {
		p.LastReadAt = at
	}
	p.UnreadCount = 0
	return nil
}

// AdvanceReadMarker merges the marker forward and returns the effective
// value, which may be the older stored one.
func (s *Store) AdvanceReadMarker(ctx context.Context, tx *sql.Tx, convID string, key domain.ParticipantKey, at time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[convID]
	if !ok {
		return time.Time{}, domain.ErrConversationNotFound
	}
	p, ok := conv.Participant(key)
	if !ok {
		return time.Time{}, domain.ErrNotParticipant
	}
	if at.After(p.LastReadAt) {
		p.LastReadAt = at
	}
	return p.LastReadAt, nil
}

func (s *Store) SetUnreadCount(ctx context.Context, tx *sql.Tx, convID string, key domain.ParticipantKey, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[convID]
	if !ok {
		return domain.ErrConversationNotFound
	}
	p, ok := conv.Participant(key)
	if !ok {
		return domain.ErrNotParticipant
	}
	p.UnreadCount = n
	return nil
}

func (s *Store) GetParticipant(ctx context.Context, convID string, key domain.ParticipantKey) (*domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[convID]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	p, ok := conv.Participant(key)
	if !ok {
		return nil, domain.ErrNotParticipant
	}
	cp := *p
	return &cp, nil
}

func (s *Store) CountUnreadMessages(ctx context.Context, tx *sql.Tx, convID string, key domain.ParticipantKey, after time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, msgID := range s.byConv[convID] {
		m := s.messages[msgID]
		if m.IsDeleted || m.SenderUserID == key.UserID {
			continue
		}
		if m.SentAt.After(after) {
			n++
		}
	}
	return n, nil
}

func (s *Store) UnreadTotal(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, conv := range s.conversations {
		if conv.Status != domain.StatusActive {
			continue
		}
		for _, p := range conv.Participants {
			if p.UserID == userID && !p.IsArchived {
				total += p.UnreadCount
			}
		}
	}
	return total, nil
}

func (s *Store) NextSequence(ctx context.Context, tx *sql.Tx, convID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[convID]; !ok {
		return 0, domain.ErrConversationNotFound
	}
	s.sequences[convID]++
	return s.sequences[convID], nil
}

func (s *Store) NextDeltaSeq(ctx context.Context, tx *sql.Tx, convID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[convID]; !ok {
		return 0, domain.ErrConversationNotFound
	}
	s.deltaSeqs[convID]++
	return s.deltaSeqs[convID], nil
}

func (s *Store) InitSequences(ctx context.Context, tx *sql.Tx, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequences[convID] = 0
	s.deltaSeqs[convID] = 0
	return nil
}

func (s *Store) InsertMessage(ctx context.Context, tx *sql.Tx, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return domain.ErrInvalidInput
	}
	s.messages[msg.ID] = cloneMessage(msg)
	s.byConv[msg.ConversationID] = append(s.byConv[msg.ConversationID], msg.ID)
	return nil
}

func (s *Store) UpdateMessage(ctx context.Context, tx *sql.Tx, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.ID]; !ok {
		return domain.ErrMessageNotFound
	}
	s.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (s *Store) GetMessage(ctx context.Context, tx *sql.Tx, msgID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[msgID]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return cloneMessage(m), nil
}

func (s *Store) GetMessageForUpdate(ctx context.Context, tx *sql.Tx, msgID string) (*domain.Message, error) {
	return s.GetMessage(ctx, tx, msgID)
}

func (s *Store) ListMessages(ctx context.Context, convID string, before time.Time, beforeSeq int64, limit int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byConv[convID]
	var out []*domain.Message
	// byConv is in sequence (creation) order; walk newest-first.
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[ids[i]]
		if !before.IsZero() {
			// Cursor excludes the last-seen message and everything newer.
			if m.SentAt.After(before) {
				continue
			}
			if m.SentAt.Equal(before) && m.Sequence >= beforeSeq {
				continue
			}
		}
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (s *Store) FetchMessagesAfter(ctx context.Context, convID string, afterSeq int64, limit int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Message
	for _, id := range s.byConv[convID] {
		m := s.messages[id]
		if m.Sequence > afterSeq {
			out = append(out, cloneMessage(m))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func idemKey(key, userID, conversationID string) string {
	return key + "|" + userID + "|" + conversationID
}

func (s *Store) TryInsertIdempotency(ctx context.Context, tx *sql.Tx, key, userID, conversationID string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := idemKey(key, userID, conversationID)
	if row, exists := s.idempotency[k]; exists && row.expiresAt.After(time.Now()) {
		return false, nil
	}
	s.idempotency[k] = &idemRow{expiresAt: expiresAt}
	return true, nil
}

func (s *Store) GetIdempotencyForUpdate(ctx context.Context, tx *sql.Tx, key, userID, conversationID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.idempotency[idemKey(key, userID, conversationID)]
	if !ok {
		return nil, nil
	}
	return row.payload, nil
}

func (s *Store) UpdateIdempotencyResponse(ctx context.Context, tx *sql.Tx, key, userID, conversationID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.idempotency[idemKey(key, userID, conversationID)]
	if !ok {
		return domain.ErrInvalidInput
	}
	row.payload = payload
	return nil
}

func (s *Store) InsertOutbox(ctx context.Context, tx *sql.Tx, aggregateType, aggregateID, eventType string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outbox = append(s.outbox, OutboxEntry{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
	})
	return nil
}

// DrainOutbox returns and clears the accumulated outbox entries, in insertion
// order. Tests and the loopback notifier use it in place of the SQL poller.
func (s *Store) DrainOutbox() []OutboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.outbox
	s.outbox = nil
	return out
}
