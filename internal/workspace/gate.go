// Package workspace resolves workspace membership and guards cross-tenant access.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/senior-netizen/apistudio-genesis-sub002/internal/apperrors"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/auth"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/kv"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("workspace: database handle is required")

// GateConfig wires the authorization gate.
type GateConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Gate is the workspace authorization gate.
type Gate struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGate builds a Gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{db: cfg.Database, logger: logger}, nil
}

// Authorize resolves identity's role in workspaceID. Platform superusers are admitted without
// membership.
func (g *Gate) Authorize(ctx context.Context, identity auth.Identity, workspaceID string) (Role, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return "", fmt.Errorf("%w: workspaceId required", apperrors.ErrInvalid)
	}
	if err := kv.ValidateKeyPart("workspaceId", workspaceID); err != nil {
		return "", err
	}
	if strings.TrimSpace(identity.UserID) == "" {
		return "", apperrors.ErrUnauthorized
	}

	role, found, err := g.memberRole(ctx, workspaceID, identity.UserID)
	if err != nil {
		g.logger.Error("membership lookup failed",
			zap.String("workspace_id", workspaceID),
			zap.String("user_id", identity.UserID),
			zap.Error(err))
		return "", err
	}
	if found {
		return role, nil
	}
	if identity.IsSuperuser() {
		g.logger.Info("superuser workspace bypass",
			zap.String("workspace_id", workspaceID),
			zap.String("user_id", identity.UserID))
		return RoleSuperuser, nil
	}
	return "", fmt.Errorf("%w: not a member of workspace %s", apperrors.ErrForbidden, workspaceID)
}

// IsMember reports whether userID holds any role in workspaceID.
func (g *Gate) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	_, found, err := g.memberRole(ctx, workspaceID, userID)
	return found, err
}

// AssertResourceInWorkspace rejects joins that name a resource owned by another workspace.
func (g *Gate) AssertResourceInWorkspace(ctx context.Context, workspaceID, resourceID string) error {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" || resourceID == ScratchDocumentID {
		return nil
	}
	var resource Resource
	err := g.db.WithContext(ctx).Where("id = ?", resourceID).Take(&resource).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: resource %s", apperrors.ErrNotFound, resourceID)
	}
	if err != nil {
		return fmt.Errorf("workspace: resource lookup: %w", err)
	}
	if resource.WorkspaceID != workspaceID {
		g.logger.Warn("cross-workspace resource access rejected",
			zap.String("workspace_id", workspaceID),
			zap.String("resource_id", resourceID))
		return fmt.Errorf("%w: resource %s belongs to another workspace", apperrors.ErrForbidden, resourceID)
	}
	return nil
}

// AddMember upserts a membership row.
func (g *Gate) AddMember(ctx context.Context, workspaceID, userID string, role Role) error {
	membership := Membership{WorkspaceID: workspaceID, UserID: userID, Role: string(role)}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&membership).Error
}

// AddResource registers a resource under workspaceID.
func (g *Gate) AddResource(ctx context.Context, workspaceID, resourceID, kind string) error {
	return g.db.WithContext(ctx).Create(&Resource{ID: resourceID, WorkspaceID: workspaceID, Kind: kind}).Error
}

func (g *Gate) memberRole(ctx context.Context, workspaceID, userID string) (Role, bool, error) {
	var membership Membership
	err := g.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("workspace: membership lookup: %w", err)
	}
	return Normalize(membership.Role), true, nil
}
