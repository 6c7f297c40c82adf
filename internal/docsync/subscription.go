package docsync

import (
	"sync"
	"sync/atomic"
)

// RoomUpdate is a merged delta ready for local peers.
type RoomUpdate struct {
	Room         RoomID
	Update       []byte
	Actor        string
	ConnectionID string
	Remote       bool
}

// Subscription receives every merged update in apply order. A full buffer drops the update
// and bumps Dropped; consumers that see the counter move should resend full state.
type Subscription struct {
	updates chan RoomUpdate
	dropped atomic.Uint64
}

// C returns the update stream. It is closed when the subscription or engine closes.
func (s *Subscription) C() <-chan RoomUpdate {
	return s.updates
}

// Dropped returns how many updates were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

type subscribers struct {
	mu   sync.RWMutex
	set  map[*Subscription]struct{}
	done bool
}

func newSubscribers() *subscribers {
	return &subscribers{set: make(map[*Subscription]struct{})}
}

func (s *subscribers) add(bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	subscription := &Subscription{updates: make(chan RoomUpdate, bufferSize)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		close(subscription.updates)
		return subscription
	}
	s.set[subscription] = struct{}{}
	return subscription
}

func (s *subscribers) remove(subscription *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[subscription]; !ok {
		return
	}
	delete(s.set, subscription)
	close(subscription.updates)
}

func (s *subscribers) publish(update RoomUpdate) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for subscription := range s.set {
		select {
		case subscription.updates <- update:
		default:
			subscription.dropped.Add(1)
		}
	}
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	for subscription := range s.set {
		close(subscription.updates)
	}
	s.set = make(map[*Subscription]struct{})
}
