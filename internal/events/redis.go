package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisEmitterConfig describes the Redis pub/sub channel an emitter
// publishes to.
type RedisEmitterConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// RedisEmitter publishes market events on a Redis pub/sub channel, grounded
// on the teacher's Redis task-queue client usage but repurposed from list
// work-queue semantics to fan-out publish/subscribe semantics.
type RedisEmitter struct {
	client  *redis.Client
	channel string
}

// NewRedisEmitter dials Redis and returns an Emitter bound to cfg.Channel
// (default "market:events").
func NewRedisEmitter(cfg RedisEmitterConfig) (*RedisEmitter, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "market:events"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisEmitter{client: client, channel: channel}, nil
}

// Emit implements Emitter.
func (e *RedisEmitter) Emit(ctx context.Context, event Event) error {
	payload, err := Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := e.client.Publish(ctx, e.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (e *RedisEmitter) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	return e.client.Close()
}

// Subscribe returns a channel of decoded events for consumers such as the
// off-chain indexer.
func (e *RedisEmitter) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := e.client.Subscribe(ctx, e.channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe to channel: %w", err)
	}
	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()
		for msg := range sub.Channel() {
			var event Event
			if err := unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
