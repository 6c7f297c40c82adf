package workspace

import "time"

// ScratchDocumentID names the workspace-wide scratch document every member may join.
const ScratchDocumentID = "scratch"

// Workspace is the read model of a tenant workspace.
type Workspace struct {
	ID        string    `gorm:"column:id;primaryKey;size:190"`
	Name      string    `gorm:"column:name;size:320"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the workspaces table.
func (Workspace) TableName() string {
	return "workspaces"
}

// Membership grants a user a role in a workspace.
type Membership struct {
	WorkspaceID string    `gorm:"column:workspace_id;primaryKey;size:190"`
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;index"`
	Role        string    `gorm:"column:role;size:32;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the membership table.
func (Membership) TableName() string {
	return "workspace_members"
}

// Resource is a collaborative artifact (saved request, collection) owned by a workspace.
type Resource struct {
	ID          string    `gorm:"column:id;primaryKey;size:190"`
	WorkspaceID string    `gorm:"column:workspace_id;size:190;not null;index"`
	Kind        string    `gorm:"column:kind;size:64"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the resources table.
func (Resource) TableName() string {
	return "workspace_resources"
}

// Models lists the gorm models owned by this package.
func Models() []interface{} {
	return []interface{}{&Workspace{}, &Membership{}, &Resource{}}
}
