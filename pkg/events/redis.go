package events

import (
	"context"
	"encoding/json"
	"fmt"
)

// RedisSender is the Redis operation RedisPublisher needs. The degraded-mode
// aware database.RedisClient implements it.
type RedisSender interface {
	SafePublish(ctx context.Context, channel string, message interface{}) error
}

// RedisPublisher publishes events on the per-call Pub/Sub channel consumed by
// the websocket event hub of every call-service instance.
type RedisPublisher struct {
	client RedisSender
}

// NewRedisPublisher creates a RedisPublisher
func NewRedisPublisher(client RedisSender) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish sends the event JSON-encoded to Channel(event.CallID)
func (p *RedisPublisher) Publish(ctx context.Context, event *CallEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal call event: %w", err)
	}
	if err := p.client.SafePublish(ctx, Channel(event.CallID), payload); err != nil {
		return fmt.Errorf("failed to publish call event to redis: %w", err)
	}
	return nil
}
