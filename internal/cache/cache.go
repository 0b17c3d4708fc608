package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bizlink/messaging/internal/domain"
)

const conversationTTL = 5 * time.Minute

// Cache is a read-through conversation cache. Writers invalidate; a stale
// entry is bounded by the TTL.
type Cache struct {
	Client *redis.Client
}

func New(addr string) *Cache {
	return &Cache{
		Client: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
	}
}

func key(convID string) string {
	return "conv:" + convID
}

func (c *Cache) GetConversation(ctx context.Context, convID string) (*domain.Conversation, error) {
	data, err := c.Client.Get(ctx, key(convID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var conv domain.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Cache) SetConversation(ctx context.Context, conv *domain.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, key(conv.ID), data, conversationTTL).Err()
}

func (c *Cache) DeleteConversation(ctx context.Context, convID string) error {
	return c.Client.Del(ctx, key(convID)).Err()
}
