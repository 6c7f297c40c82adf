package gateway

import (
	"encoding/json"

	"github.com/senior-netizen/apistudio-genesis-sub002/internal/docsync"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/pair"
)

// EventType names an outbound server event.
type EventType string

const (
	EventPresenceSync   EventType = "presence.sync"
	EventPresenceUpdate EventType = "presence.update"
	EventPresenceLeave  EventType = "presence.leave"
	EventCursorUpdate   EventType = "cursor.update"
	EventAwarenessSync  EventType = "awareness.sync"
	EventSyncState      EventType = "sync.state"
	EventSyncUpdate     EventType = "sync.update"

	EventLogsSubscribed EventType = "logs.subscribed"
	EventLogsLine       EventType = "logs.line"

	EventPairState            EventType = "pair.state"
	EventPairControlRequested EventType = "pair.control_requested"
	EventPairCursor           EventType = "pair.cursor"
	EventPairScroll           EventType = "pair.scroll"

	EventTakeoverState EventType = "takeover.state"
	EventTakeoverEvent EventType = "takeover.event"

	EventError EventType = "error"
)

// Event is the outbound wire envelope.
type Event struct {
	Type    EventType `json:"type"`
	Room    string    `json:"room,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

// ErrorPayload answers a rejected message.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RequestType string `json:"requestType,omitempty"`
}

type syncPayload struct {
	Update       []byte `json:"update"`
	Actor        string `json:"actor,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
}

type leavePayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

type cursorPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	DisplayName  string `json:"displayName,omitempty"`
	Cursor       any    `json:"cursor"`
}

type pairStatePayload struct {
	RequestID string        `json:"requestId,omitempty"`
	Session   *pair.Session `json:"session"`
}

type pairControlPayload struct {
	RequestID   string `json:"requestId,omitempty"`
	RequesterID string `json:"requesterId"`
	DisplayName string `json:"displayName,omitempty"`
}

type pairMotionPayload struct {
	UserID string          `json:"userId"`
	Cursor json.RawMessage `json:"cursor,omitempty"`
	Scroll json.RawMessage `json:"scroll,omitempty"`
}

func encodeEvent(eventType EventType, room string, payload any) ([]byte, error) {
	return json.Marshal(Event{Type: eventType, Room: room, Payload: payload})
}

// Room names. Each namespace keeps its rooms under its own prefix.

func collabRoom(id docsync.RoomID) string {
	return string(NamespaceCollab) + ":" + id.String()
}

func awarenessRoom(workspaceID string) string {
	return string(NamespaceAwareness) + ":" + workspaceID
}

func pairRoom(key pair.SessionKey) string {
	return string(NamespacePair) + ":" + key.String()
}

func takeoverRoom(workspaceID, sessionID string) string {
	return string(NamespaceTakeover) + ":" + workspaceID + ":" + sessionID
}

func logsRoom(workspaceID, runID string) string {
	return logChannelPrefix + workspaceID + ":" + runID
}
