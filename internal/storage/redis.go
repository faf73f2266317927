package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/registrar-challenger/internal/config"
)

// EventBus fans persisted identity events out to other processes over Redis
// pub/sub. In the split deployment the adapter_listener publishes after every
// commit and the session_notifier subscribes; the bus is notification-only,
// so a lost message is repaired by the next snapshot read from Postgres.
type EventBus struct {
	client *redis.Client
}

// NewEventBus creates a Redis-backed event bus
func NewEventBus(cfg *config.RedisConfig) (*EventBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &EventBus{client: client}, nil
}

// NewEventBusWithClient wraps an existing client, used by tests
func NewEventBusWithClient(client *redis.Client) *EventBus {
	return &EventBus{client: client}
}

// Close closes the Redis connection
func (b *EventBus) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// Ping checks if Redis is reachable
func (b *EventBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// channel returns the pub/sub channel of one identity
func channel(chain, address string) string {
	return fmt.Sprintf("events:%s:%s", chain, address)
}

// Publish sends one serialized state frame for the given identity
func (b *EventBus) Publish(ctx context.Context, chain, address string, payload []byte) error {
	if err := b.client.Publish(ctx, channel(chain, address), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe returns a channel of payloads published for the given identity.
// The returned cancel function must be called to release the subscription.
func (b *EventBus) Subscribe(ctx context.Context, chain, address string) (<-chan []byte, func(), error) {
	sub := b.client.Subscribe(ctx, channel(chain, address))

	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}
