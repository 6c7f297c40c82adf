package docsync

import (
	"sync"
	"time"
)

// Registry owns the rooms held in this process.
type Registry struct {
	mu    sync.Mutex
	rooms map[RoomID]*room
	clock func() time.Time
}

// NewRegistry builds an empty registry.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{rooms: make(map[RoomID]*room), clock: clock}
}

func (r *Registry) getOrCreate(id RoomID) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.rooms[id]
	if ok {
		return existing
	}
	created := newRoom(id, r.clock())
	r.rooms[id] = created
	return created
}

func (r *Registry) lookup(id RoomID) (*room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.rooms[id]
	return existing, ok
}

func (r *Registry) acquire(id RoomID) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.rooms[id]
	if !ok {
		existing = newRoom(id, r.clock())
		r.rooms[id] = existing
	}
	existing.refs++
	existing.lastActive = r.clock()
	return existing
}

func (r *Registry) release(id RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.rooms[id]
	if !ok {
		return
	}
	if existing.refs > 0 {
		existing.refs--
	}
	existing.lastActive = r.clock()
}

func (r *Registry) touch(id RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.rooms[id]; ok {
		existing.lastActive = r.clock()
	}
}

// evictIdle removes rooms without participants idle for at least ttl and returns them.
func (r *Registry) evictIdle(ttl time.Duration) []*room {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	evicted := make([]*room, 0)
	for id, candidate := range r.rooms {
		if candidate.refs > 0 || now.Sub(candidate.lastActive) < ttl {
			continue
		}
		delete(r.rooms, id)
		evicted = append(evicted, candidate)
	}
	return evicted
}

func (r *Registry) snapshot() []*room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, existing := range r.rooms {
		rooms = append(rooms, existing)
	}
	return rooms
}

// Len returns the number of rooms held in memory.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Refs returns the participant count of a room, or -1 when it is not held.
func (r *Registry) Refs(id RoomID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.rooms[id]
	if !ok {
		return -1
	}
	return existing.refs
}
