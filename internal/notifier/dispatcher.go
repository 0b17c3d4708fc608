package notifier

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/bizlink/messaging/internal/domain"
	"github.com/bizlink/messaging/internal/observability"
)

// Dispatcher consumes committed delta events and fans them out to local
// sessions, then broadcasts to peer instances. The event carries its own
// recipient set resolved at commit time, so fan-out never re-reads membership
// and cannot race a concurrent membership change.
type Dispatcher struct {
	registry *Registry
	router   *Router
}

func NewDispatcher(registry *Registry, router *Router) *Dispatcher {
	return &Dispatcher{registry: registry, router: router}
}

// Handle processes one record from the deltas topic.
func (d *Dispatcher) Handle(ctx context.Context, record []byte) {
	log := observability.GetLogger(ctx)

	var event domain.DeltaEvent
	if err := json.Unmarshal(record, &event); err != nil {
		log.Error("dispatcher: error unmarshaling delta", zap.Error(err))
		return
	}

	d.deliverLocal(ctx, &event, record)

	if d.router != nil {
		if err := d.router.Publish(ctx, record); err != nil {
			log.Error("dispatcher: broadcast failed",
				zap.String("conversation_id", event.ConversationID), zap.Error(err))
		}
	}
}

// DeliverRemote handles a delta relayed from a peer instance. Local-only:
// re-broadcasting would loop.
func (d *Dispatcher) DeliverRemote(payload []byte) {
	ctx := context.Background()
	log := observability.GetLogger(ctx)

	var event domain.DeltaEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Error("dispatcher: error unmarshaling relayed delta", zap.Error(err))
		return
	}

	d.deliverLocal(ctx, &event, payload)
}

func (d *Dispatcher) deliverLocal(ctx context.Context, event *domain.DeltaEvent, payload []byte) {
	log := observability.GetLogger(ctx)

	for _, key := range event.Recipients {
		for _, s := range d.registry.SessionsFor(key) {
			if !s.Wants(event.ConversationID) {
				continue
			}
			if s.Buffer(event, payload) {
				continue
			}
			if s.TrySend(payload) {
				observability.DeltasDeliveredTotal.WithLabelValues(string(event.Kind)).Inc()
				if !event.OccurredAt.IsZero() {
					observability.DeltaDeliveryLatency.Observe(time.Since(event.OccurredAt).Seconds())
				}
			} else {
				log.Warn("dispatcher: delivery failed",
					zap.String("participant", key.String()),
					zap.String("conversation_id", event.ConversationID))
			}
		}
	}
}
