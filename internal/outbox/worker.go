package outbox

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/bizlink/messaging/internal/kafka"
	"github.com/bizlink/messaging/internal/observability"
)

// Event type tags written by the application layer; the worker routes each to
// its topic.
const (
	EventTypeDelta        = "DELTA"
	EventTypeNotification = "NEW_MESSAGE_NOTIFICATION"
)

// Worker drains the transactional outbox in commit order and publishes to
// kafka, keyed by aggregate (conversation) id so per-conversation ordering
// survives partitioning. Rows are marked processed in the same transaction
// that locked them; a crash between publish and commit re-publishes, which is
// why deltas are idempotent-safe for subscribers.
type Worker struct {
	DB                 *sql.DB
	Producer           *kafka.Producer
	DeltasTopic        string
	NotificationsTopic string
	ServiceName        string
	BatchSize          int
	PollDelay          time.Duration
}

func (w *Worker) Start(ctx context.Context) {
	log := observability.GetLogger(ctx)
	log.Info("outbox worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info("outbox worker stopping")
			return
		default:
			if err := w.processBatch(ctx); err != nil {
				log.Error("outbox worker batch failed", zap.Error(err))
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) error {
	tx, err := w.DB.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, aggregate_id, event_type, payload
		FROM outbox_events
		WHERE processed_at IS NULL
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, w.BatchSize)

	if err != nil {
		tx.Rollback()
		return err
	}
	defer rows.Close()

	type event struct {
		id          int64
		aggregateID string
		eventType   string
		payload     []byte
	}

	var events []event
	for rows.Next() {
		var e event
		if err := rows.Scan(&e.id, &e.aggregateID, &e.eventType, &e.payload); err != nil {
			tx.Rollback()
			return err
		}
		events = append(events, e)
	}

	if len(events) == 0 {
		tx.Rollback()
		time.Sleep(w.PollDelay)
		return nil
	}

	log := observability.GetLogger(ctx)

	for _, e := range events {
		topic := ""
		switch e.eventType {
		case EventTypeDelta:
			topic = w.DeltasTopic
		case EventTypeNotification:
			topic = w.NotificationsTopic
		default:
			log.Warn("unknown event type in outbox", zap.String("event_type", e.eventType))
			continue
		}

		if err := w.Producer.Publish(ctx, topic, e.aggregateID, e.payload); err != nil {
			tx.Rollback()
			return err
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE outbox_events
			SET processed_at = NOW()
			WHERE id = $1
		`, e.id)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	w.reportBacklog(ctx)

	return tx.Commit()
}

func (w *Worker) reportBacklog(ctx context.Context) {
	var backlog int64
	if err := w.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox_events WHERE processed_at IS NULL
	`).Scan(&backlog); err == nil {
		observability.OutboxBacklog.WithLabelValues(w.ServiceName).Set(float64(backlog))
	}
}
