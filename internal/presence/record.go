package presence

import (
	"fmt"
	"time"

	"github.com/senior-netizen/apistudio-genesis-sub002/internal/apperrors"
)

// Status is a participant's liveness.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusAway   Status = "away"
)

// ParseStatus validates a wire status. Empty maps to active.
func ParseStatus(value string) (Status, error) {
	switch Status(value) {
	case "", StatusActive:
		return StatusActive, nil
	case StatusIdle, StatusAway:
		return Status(value), nil
	default:
		return "", fmt.Errorf("%w: unknown presence status %q", apperrors.ErrInvalid, value)
	}
}

// Cursor is a caret position with an optional selection.
type Cursor struct {
	Position int    `json:"position"`
	Anchor   *int   `json:"anchor,omitempty"`
	Head     *int   `json:"head,omitempty"`
	Color    string `json:"color,omitempty"`
}

// Record is one connected participant within a scope.
type Record struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	DisplayName  string    `json:"displayName"`
	Role         string    `json:"role"`
	Status       Status    `json:"status"`
	Cursor       *Cursor   `json:"cursor,omitempty"`
	JoinedAt     time.Time `json:"joinedAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Patch is a partial update. Nil fields keep the stored value.
type Patch struct {
	UserID      *string
	DisplayName *string
	Role        *string
	Status      *Status
	Cursor      *Cursor
	ClearCursor bool
}

func (p Patch) applyTo(record *Record) {
	if p.UserID != nil {
		record.UserID = *p.UserID
	}
	if p.DisplayName != nil {
		record.DisplayName = *p.DisplayName
	}
	if p.Role != nil {
		record.Role = *p.Role
	}
	if p.Status != nil {
		record.Status = *p.Status
	}
	if p.ClearCursor {
		record.Cursor = nil
	}
	if p.Cursor != nil {
		cursor := *p.Cursor
		record.Cursor = &cursor
	}
}

// StringPtr is a convenience for building patches.
func StringPtr(value string) *string {
	return &value
}
