package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Invalidation tells peer instances to drop cached state. An empty
// Principal means every principal for the content.
type Invalidation struct {
	ContentID string `json:"contentId"`
	Principal string `json:"principal,omitempty"`
	Origin    string `json:"origin"`
}

// Invalidator broadcasts invalidations to other service instances.
type Invalidator interface {
	Publish(ctx context.Context, inv Invalidation) error
	Close() error
}

// RedisInvalidator publishes invalidations over a Redis channel.
type RedisInvalidator struct {
	client  redis.UniversalClient
	channel string
	origin  string
}

func NewRedisInvalidator(client redis.UniversalClient, prefix, origin string) *RedisInvalidator {
	if prefix == "" {
		prefix = "wylloh:"
	}
	return &RedisInvalidator{
		client:  client,
		channel: prefix + "cache-invalidation",
		origin:  origin,
	}
}

func (r *RedisInvalidator) Publish(ctx context.Context, inv Invalidation) error {
	inv.Origin = r.origin
	payload, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to encode invalidation: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// Listen delivers invalidations published by other instances until ctx is
// done. Messages from this instance and malformed payloads are skipped.
func (r *RedisInvalidator) Listen(ctx context.Context, ready chan<- struct{}, handle func(Invalidation)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var inv Invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				continue
			}
			if inv.Origin == r.origin || inv.ContentID == "" {
				continue
			}
			handle(inv)
		}
	}
}

func (r *RedisInvalidator) Close() error {
	return r.client.Close()
}

// NoOpInvalidator is used for single-instance deployments.
type NoOpInvalidator struct{}

func NewNoOpInvalidator() *NoOpInvalidator { return &NoOpInvalidator{} }

func (NoOpInvalidator) Publish(context.Context, Invalidation) error { return nil }

func (NoOpInvalidator) Close() error { return nil }
