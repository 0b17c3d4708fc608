package notifier

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bizlink/messaging/internal/observability"
)

const broadcastChannel = "deltas:broadcast"

// Router fans deltas out across instances over redis pub/sub. Every instance
// subscribes to the broadcast channel; the origin tag lets an instance skip
// its own publishes, which it already delivered locally.
type Router struct {
	client     *redis.Client
	instanceID string
}

type routedDelta struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

func NewRouter(client *redis.Client, instanceID string) *Router {
	return &Router{client: client, instanceID: instanceID}
}

func (r *Router) Publish(ctx context.Context, payload []byte) error {
	wrapped, err := json.Marshal(routedDelta{Origin: r.instanceID, Payload: payload})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, broadcastChannel, wrapped).Err()
}

func (r *Router) Subscribe(ctx context.Context, handler func([]byte)) {
	pubsub := r.client.Subscribe(ctx, broadcastChannel)

	go func() {
		log := observability.GetLogger(ctx)
		log.Info("router: subscribed to channel", zap.String("channel", broadcastChannel))
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				log.Info("router: subscription loop stopping: context canceled")
				return
			case msg, ok := <-ch:
				if !ok {
					log.Warn("router: pubsub channel closed")
					return
				}
				var routed routedDelta
				if err := json.Unmarshal([]byte(msg.Payload), &routed); err != nil {
					log.Error("router: bad routed payload", zap.Error(err))
					continue
				}
				if routed.Origin == r.instanceID {
					continue
				}
				handler(routed.Payload)
			}
		}
	}()
}
