package fanout

import (
	"context"
	"sync"

	"github.com/ryanuber/go-glob"

	"github.com/senior-netizen/apistudio-genesis-sub002/internal/kv"
)

// LocalBus delivers messages to subscribers within this process.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[int64]*localSubscriber
	nextID      int64
	closed      bool
}

type localSubscriber struct {
	pattern      string
	subscription *Subscription
}

// NewLocalBus constructs an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subscribers: make(map[int64]*localSubscriber)}
}

// Mode reports single-process delivery.
func (b *LocalBus) Mode() kv.Mode {
	return kv.ModeSingleProcess
}

// Publish delivers payload to every subscriber whose pattern matches channel.
func (b *LocalBus) Publish(_ context.Context, channel string, payload []byte) error {
	message := Message{Channel: channel, Payload: append([]byte(nil), payload...)}

	// Offers never block, so delivery happens under the read lock and cannot race a close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, subscriber := range b.subscribers {
		if matchChannel(subscriber.pattern, channel) {
			subscriber.subscription.offer(message)
		}
	}
	return nil
}

// Subscribe registers a glob pattern subscription. It ends when ctx is done or Close is called.
func (b *LocalBus) Subscribe(ctx context.Context, pattern string, bufferSize int) (*Subscription, error) {
	subscription := newSubscription(bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	b.subscribers[id] = &localSubscriber{pattern: pattern, subscription: subscription}
	b.mu.Unlock()

	done := make(chan struct{})
	subscription.cancel = func() {
		close(done)
		b.unregister(id)
	}
	go func() {
		select {
		case <-ctx.Done():
			subscription.Close()
		case <-done:
		}
	}()
	return subscription, nil
}

// Close ends every subscription.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subscriptions := make([]*Subscription, 0, len(b.subscribers))
	for _, subscriber := range b.subscribers {
		subscriptions = append(subscriptions, subscriber.subscription)
	}
	b.mu.Unlock()
	for _, subscription := range subscriptions {
		subscription.Close()
	}
	return nil
}

func (b *LocalBus) unregister(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subscriber, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(subscriber.subscription.messages)
	}
}

// matchChannel follows PSUBSCRIBE: "*" matches any run of characters, separators included.
func matchChannel(pattern, channel string) bool {
	return glob.Glob(pattern, channel)
}
