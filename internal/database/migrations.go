package database

import (
	"errors"
	"strings"
	"time"

	"github.com/senior-netizen/apistudio-genesis-sub002/internal/workspace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeMemberRoles = "2026-09-14_normalize_member_roles"
	migrationStripProviderPrefix  = "2026-09-28_strip_provider_prefix"

	legacyProviderPrefix = "google:"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeMemberRoles, apply: normalizeMemberRoles},
		{name: migrationStripProviderPrefix, apply: stripProviderPrefix},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Stored roles were free-form before the gate enforced them. Unknown values, including a
// stored superuser, collapse to viewer; superuser is a token claim, never a membership.
func normalizeMemberRoles(db *gorm.DB) error {
	var members []workspace.Membership
	if err := db.Find(&members).Error; err != nil {
		return err
	}
	for _, member := range members {
		normalized := string(workspace.Normalize(member.Role))
		if normalized == member.Role {
			continue
		}
		err := db.Model(&workspace.Membership{}).
			Where("workspace_id = ? AND user_id = ?", member.WorkspaceID, member.UserID).
			Update("role", normalized).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// Early identities stored provider-qualified user ids.
func stripProviderPrefix(db *gorm.DB) error {
	var members []workspace.Membership
	if err := db.Where("user_id LIKE ?", legacyProviderPrefix+"%").Find(&members).Error; err != nil {
		return err
	}
	for _, member := range members {
		err := db.Model(&workspace.Membership{}).
			Where("workspace_id = ? AND user_id = ?", member.WorkspaceID, member.UserID).
			Update("user_id", strings.TrimPrefix(member.UserID, legacyProviderPrefix)).Error
		if err != nil {
			return err
		}
	}
	return nil
}
