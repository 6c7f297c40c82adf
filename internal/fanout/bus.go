// Package fanout relays room broadcasts between gateway processes.
package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/senior-netizen/apistudio-genesis-sub002/internal/kv"
	"go.uber.org/zap"
)

const defaultBufferSize = 64

var ErrBusClosed = errors.New("fanout: bus closed")

// Message is one published payload.
type Message struct {
	Channel string
	Payload []byte
}

// Bus publishes to channels and delivers to pattern subscribers.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, pattern string, bufferSize int) (*Subscription, error)
	Mode() kv.Mode
	Close() error
}

// Subscription is a bounded stream of messages. Slow consumers lose messages rather than
// stalling publishers; Dropped counts the losses.
type Subscription struct {
	messages chan Message
	dropped  atomic.Uint64
	once     sync.Once
	cancel   func()
}

func newSubscription(bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Subscription{messages: make(chan Message, bufferSize)}
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Message {
	return s.messages
}

// Dropped returns the number of messages discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *Subscription) offer(message Message) bool {
	select {
	case s.messages <- message:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// NewBus picks the redis bus when the store is shared across processes and the in-process bus
// otherwise.
func NewBus(store *kv.Store, logger *zap.Logger) Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store != nil && store.Mode() == kv.ModeShared {
		logger.Info("room fanout using shared pub/sub")
		return NewRedisBus(store.Client(), logger)
	}
	logger.Warn("room fanout running single-process; broadcasts stay within this gateway")
	return NewLocalBus()
}
