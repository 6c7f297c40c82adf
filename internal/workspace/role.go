package workspace

import "strings"

// Role is a workspace membership role.
type Role string

// Action is a collaboration capability checked against a Role.
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
	RoleOwner     Role = "owner"
	RoleSuperuser Role = "superuser"
)

const (
	ActionRead     Action = "read"
	ActionEdit     Action = "edit"
	ActionSupport  Action = "support"
	ActionOverride Action = "override"
)

// Can reports whether role may perform action.
func Can(role Role, action Action) bool {
	switch role {
	case RoleSuperuser, RoleOwner:
		return true
	case RoleAdmin:
		return action == ActionRead || action == ActionEdit || action == ActionSupport
	case RoleEditor:
		return action == ActionRead || action == ActionEdit
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// CanSupport reports whether role may request view or co-control escalation.
func CanSupport(role Role) bool {
	return Can(role, ActionSupport)
}

// IsOwner reports whether role may trigger an emergency override.
func IsOwner(role Role) bool {
	return Can(role, ActionOverride)
}

// Normalize maps stored role strings onto known roles, defaulting to viewer.
func Normalize(role string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(role))) {
	case RoleViewer:
		return RoleViewer
	case RoleEditor:
		return RoleEditor
	case RoleAdmin:
		return RoleAdmin
	case RoleOwner:
		return RoleOwner
	default:
		return RoleViewer
	}
}
