package takeover

import (
	"time"
)

// Mode is the control level granted to a supporting user over a session.
type Mode string

const (
	ModeViewOnly          Mode = "view-only"
	ModeCoControl         Mode = "co-control"
	ModeEmergencyOverride Mode = "emergency-override"
)

// ParseMode validates raw.
func ParseMode(raw string) (Mode, bool) {
	switch Mode(raw) {
	case ModeViewOnly, ModeCoControl, ModeEmergencyOverride:
		return Mode(raw), true
	default:
		return "", false
	}
}

// Event names written to the audit trail.
const (
	EventViewRequested      = "VIEW_REQUESTED"
	EventViewAccepted       = "VIEW_ACCEPTED"
	EventViewDeclined       = "VIEW_DECLINED"
	EventCoControlRequested = "CO_CONTROL_REQUESTED"
	EventCoControlDeclined  = "CO_CONTROL_DECLINED"
	EventModeChanged        = "MODE_CHANGED"
	EventAutoRestore        = "AUTO_RESTORE"
	EventEnded              = "ENDED"

	// SystemActor attributes transitions made by the service itself.
	SystemActor = "system"
)

// IsRequestEvent reports whether event opens a request the supported user must answer.
func IsRequestEvent(event string) bool {
	return event == EventViewRequested || event == EventCoControlRequested
}

// answers lists the events that close each kind of request.
var answers = map[string][]string{
	EventViewRequested:      {EventViewAccepted, EventViewDeclined},
	EventCoControlRequested: {EventCoControlDeclined, EventModeChanged, EventEnded},
}

// State is the live takeover state of one session.
type State struct {
	SessionID   string     `json:"sessionId"`
	WorkspaceID string     `json:"workspaceId"`
	Mode        Mode       `json:"mode"`
	ActorID     string     `json:"actorId,omitempty"`
	TargetID    string     `json:"targetId,omitempty"`
	Revision    int64      `json:"revision"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// AuditEntry is an append-only takeover audit record.
type AuditEntry struct {
	ID          string    `gorm:"column:id;primaryKey;size:64" json:"id"`
	SessionID   string    `gorm:"column:session_id;size:190;not null;index" json:"sessionId"`
	WorkspaceID string    `gorm:"column:workspace_id;size:190;not null;index" json:"workspaceId"`
	ActorID     string    `gorm:"column:actor_id;size:190" json:"actorId"`
	TargetID    string    `gorm:"column:target_id;size:190" json:"targetId,omitempty"`
	Mode        Mode      `gorm:"column:mode;size:32;not null" json:"mode"`
	Event       string    `gorm:"column:event;size:32;not null" json:"event"`
	Reason      string    `gorm:"column:reason;type:text" json:"reason,omitempty"`
	CreatedAt   time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (AuditEntry) TableName() string {
	return "takeover_audit"
}
