package gateway

import (
	"sync"

	"github.com/senior-netizen/apistudio-genesis-sub002/internal/docsync"
)

// roomIndex maps room names to the local connections that joined them.
type roomIndex struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]*connection
	documents map[string]docsync.RoomID
}

func newRoomIndex() *roomIndex {
	return &roomIndex{
		rooms:     make(map[string]map[string]*connection),
		documents: make(map[string]docsync.RoomID),
	}
}

// addDocument adds conn to a document room and remembers the document for resyncs.
func (r *roomIndex) addDocument(room string, id docsync.RoomID, conn *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.documents[room] = id
	r.addLocked(room, conn)
}

func (r *roomIndex) add(room string, conn *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(room, conn)
}

func (r *roomIndex) addLocked(room string, conn *connection) {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*connection)
		r.rooms[room] = members
	}
	members[conn.id] = conn
}

func (r *roomIndex) remove(room string, conn *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[room]
	if members == nil {
		return
	}
	delete(members, conn.id)
	if len(members) == 0 {
		delete(r.rooms, room)
		delete(r.documents, room)
	}
}

func (r *roomIndex) activeDocuments() map[string]docsync.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	documents := make(map[string]docsync.RoomID, len(r.documents))
	for room, id := range r.documents {
		documents[room] = id
	}
	return documents
}

func (r *roomIndex) members(room string) []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	copies := make([]*connection, 0, len(members))
	for _, conn := range members {
		copies = append(copies, conn)
	}
	return copies
}

// deliver enqueues frame to every member of room except the connection named except.
func (r *roomIndex) deliver(room, except string, frame []byte) {
	for _, conn := range r.members(room) {
		if conn.id == except {
			continue
		}
		conn.enqueue(frame)
	}
}
