package fanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/kv"
	"go.uber.org/zap"
)

// RedisBus relays messages through redis PUBLISH/PSUBSCRIBE.
type RedisBus struct {
	client redis.UniversalClient
	logger *zap.Logger

	mu            sync.Mutex
	subscriptions map[*Subscription]struct{}
	closed        bool
}

// NewRedisBus builds a bus over client.
func NewRedisBus(client redis.UniversalClient, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{
		client:        client,
		logger:        logger,
		subscriptions: make(map[*Subscription]struct{}),
	}
}

// Mode reports cross-process delivery.
func (b *RedisBus) Mode() kv.Mode {
	return kv.ModeShared
}

// Publish sends payload on channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("fanout: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a pattern subscription and waits for the server to confirm it.
func (b *RedisBus) Subscribe(ctx context.Context, pattern string, bufferSize int) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.mu.Unlock()

	pubsub := b.client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("fanout: psubscribe %s: %w", pattern, err)
	}

	subscription := newSubscription(bufferSize)
	done := make(chan struct{})
	subscription.cancel = func() {
		close(done)
	}

	b.mu.Lock()
	b.subscriptions[subscription] = struct{}{}
	b.mu.Unlock()

	go b.forward(ctx, pattern, pubsub, subscription, done)
	return subscription, nil
}

func (b *RedisBus) forward(ctx context.Context, pattern string, pubsub *redis.PubSub, subscription *Subscription, done <-chan struct{}) {
	defer func() {
		_ = pubsub.Close()
		b.mu.Lock()
		delete(b.subscriptions, subscription)
		b.mu.Unlock()
		close(subscription.messages)
	}()

	incoming := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case message, ok := <-incoming:
			if !ok {
				b.logger.Warn("pubsub channel closed", zap.String("pattern", pattern))
				return
			}
			if !subscription.offer(Message{Channel: message.Channel, Payload: []byte(message.Payload)}) {
				b.logger.Debug("fanout subscriber lagging, message dropped",
					zap.String("pattern", pattern),
					zap.String("channel", message.Channel))
			}
		}
	}
}

// Close ends every open subscription. The redis client is owned by the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subscriptions := make([]*Subscription, 0, len(b.subscriptions))
	for subscription := range b.subscriptions {
		subscriptions = append(subscriptions, subscription)
	}
	b.mu.Unlock()
	for _, subscription := range subscriptions {
		subscription.Close()
	}
	return nil
}
