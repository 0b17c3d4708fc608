package application

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/bizlink/messaging/internal/domain"
	"github.com/bizlink/messaging/internal/lock"
	"github.com/bizlink/messaging/internal/outbox"
	"github.com/bizlink/messaging/internal/repository"
	"github.com/bizlink/messaging/internal/tx"
)

const deltaSchemaVersion = 1

// Tolerance for caller-supplied timestamps running ahead of our clock.
const maxClockSkew = 5 * time.Minute

type Service struct {
	repo  repository.Repository
	tx    tx.Transactor
	locks *lock.Keyed
	log   *zap.Logger
}

func New(repo repository.Repository, transactor tx.Transactor, log *zap.Logger) *Service {
	return &Service{
		repo:  repo,
		tx:    transactor,
		locks: lock.NewKeyed(),
		log:   log,
	}
}

// clampTimestamp normalizes a caller-supplied event time: zero means "now",
// and a future time beyond the skew allowance is pulled back so LastActivity
// stays meaningful under client clock drift.
func clampTimestamp(at time.Time) time.Time {
	now := time.Now().UTC()
	if at.IsZero() {
		return now
	}
	at = at.UTC()
	if at.After(now.Add(maxClockSkew)) {
		return now
	}
	return at
}

func recipientKeys(conv *domain.Conversation) []domain.ParticipantKey {
	keys := make([]domain.ParticipantKey, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		keys = append(keys, p.Key())
	}
	return keys
}

// emitDelta claims the conversation's next delta sequence and stages the
// event in the transactional outbox, all inside the caller's transaction, so
// a delta exists exactly when its mutation committed.
func (s *Service) emitDelta(
	ctx context.Context,
	sqlTx *sql.Tx,
	event *domain.DeltaEvent,
) error {

	seq, err := s.repo.NextDeltaSeq(ctx, sqlTx, event.ConversationID)
	if err != nil {
		return err
	}
	event.DeltaSeq = seq
	event.SchemaVersion = deltaSchemaVersion
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return s.repo.InsertOutbox(
		ctx, sqlTx,
		"conversation",
		event.ConversationID,
		outbox.EventTypeDelta,
		payload,
	)
}
