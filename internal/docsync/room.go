package docsync

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/senior-netizen/apistudio-genesis-sub002/internal/apperrors"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/crdt"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/kv"
)

// DefaultDocumentID is the workspace-wide scratch document.
const DefaultDocumentID = "scratch"

// RoomID identifies a collaboration room.
type RoomID struct {
	WorkspaceID string
	DocumentID  string
}

// NewRoomID validates identifiers. An empty documentId selects the scratch document.
func NewRoomID(workspaceID, documentID string) (RoomID, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	documentID = strings.TrimSpace(documentID)
	if workspaceID == "" {
		return RoomID{}, fmt.Errorf("%w: workspaceId required", apperrors.ErrInvalid)
	}
	if documentID == "" {
		documentID = DefaultDocumentID
	}
	if err := kv.ValidateKeyPart("workspaceId", workspaceID); err != nil {
		return RoomID{}, err
	}
	if err := kv.ValidateKeyPart("documentId", documentID); err != nil {
		return RoomID{}, err
	}
	return RoomID{WorkspaceID: workspaceID, DocumentID: documentID}, nil
}

// String renders the room key used across the shared store.
func (r RoomID) String() string {
	return r.WorkspaceID + kv.KeySeparator + r.DocumentID
}

// RoomState is the lifecycle of an in-memory room.
type RoomState int

const (
	RoomUnloaded RoomState = iota
	RoomLoading
	RoomActive
)

func (s RoomState) String() string {
	switch s {
	case RoomLoading:
		return "loading"
	case RoomActive:
		return "active"
	default:
		return "unloaded"
	}
}

// room is guarded by mu except for refs and lastActive, which belong to the Registry.
type room struct {
	id RoomID

	mu       sync.Mutex
	state    RoomState
	loaded   chan struct{}
	document *crdt.Document
	pending  int
	version  int64

	refs       int
	lastActive time.Time
}

func newRoom(id RoomID, now time.Time) *room {
	return &room{id: id, state: RoomUnloaded, document: crdt.NewDocument(), lastActive: now}
}
