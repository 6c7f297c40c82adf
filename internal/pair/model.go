package pair

import (
	"fmt"
	"strings"
	"time"

	"github.com/senior-netizen/apistudio-genesis-sub002/internal/apperrors"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/kv"
)

// Event names recorded in the pair event log.
const (
	EventStarted        = "started"
	EventSuperseded     = "superseded"
	EventEnded          = "ended"
	EventControlGranted = "control_granted"
	EventControlRevoked = "control_revoked"
)

// SessionKey scopes a pair session to a workspace and optionally a saved request.
type SessionKey struct {
	WorkspaceID string
	RequestID   string
}

// NewSessionKey validates the key parts.
func NewSessionKey(workspaceID, requestID string) (SessionKey, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return SessionKey{}, fmt.Errorf("%w: workspaceId required", apperrors.ErrInvalid)
	}
	requestID = strings.TrimSpace(requestID)
	if err := kv.ValidateKeyPart("workspaceId", workspaceID); err != nil {
		return SessionKey{}, err
	}
	if err := kv.ValidateKeyPart("requestId", requestID); err != nil {
		return SessionKey{}, err
	}
	return SessionKey{WorkspaceID: workspaceID, RequestID: requestID}, nil
}

// String renders the key used in the shared store and room names.
func (k SessionKey) String() string {
	if k.RequestID == "" {
		return k.WorkspaceID
	}
	return k.WorkspaceID + kv.KeySeparator + k.RequestID
}

// Session is a driver/navigator pairing.
type Session struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspaceId"`
	RequestID   string     `json:"requestId,omitempty"`
	DriverID    string     `json:"driverId"`
	NavigatorID string     `json:"navigatorId"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

// Active reports whether the session has not ended.
func (s Session) Active() bool {
	return s.EndedAt == nil
}

// Event is a durable record of a pair session transition.
type Event struct {
	ID          string    `gorm:"column:id;primaryKey;size:64"`
	WorkspaceID string    `gorm:"column:workspace_id;size:190;not null;index:idx_pair_events_scope,priority:1"`
	RequestID   string    `gorm:"column:request_id;size:190;index:idx_pair_events_scope,priority:2"`
	SessionID   string    `gorm:"column:session_id;size:64;not null;index"`
	Event       string    `gorm:"column:event;size:32;not null"`
	ActorID     string    `gorm:"column:actor_id;size:190"`
	DriverID    string    `gorm:"column:driver_id;size:190"`
	NavigatorID string    `gorm:"column:navigator_id;size:190"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "pair_events"
}
