// Package database opens the relational store and keeps its schema current.
package database

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/docsync"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/pair"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/takeover"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/users"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/workspace"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Models lists every table the gateway owns.
func Models() []interface{} {
	models := []interface{}{
		&docsync.Snapshot{},
		&users.Identity{},
		&pair.Event{},
		&takeover.AuditEntry{},
		&migrationRecord{},
	}
	return append(models, workspace.Models()...)
}

// Open connects with the named driver and performs schema migrations.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driver))
	return db, nil
}
