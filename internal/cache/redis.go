// Package cache connects gateway instances through Redis pub/sub.
package cache

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const DefaultChannel = "pulse:rooms"

// RedisBus relays room broadcasts between gateway instances.
type RedisBus struct {
	client  *redis.Client
	channel string
}

func NewRedisBus(ctx context.Context, addr, password, channel string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel}, nil
}

func (b *RedisBus) Publish(ctx context.Context, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe calls handle for every payload published by any instance, this one
// included, until ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, handle func([]byte)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
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
			handle([]byte(msg.Payload))
		}
	}
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
