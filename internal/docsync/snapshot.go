package docsync

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Snapshot is a durable capture of a room document.
type Snapshot struct {
	WorkspaceID string    `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	DocumentID  string    `gorm:"column:document_id;primaryKey;size:190;not null"`
	Version     int64     `gorm:"column:version;primaryKey;not null;autoIncrement:false"`
	Payload     []byte    `gorm:"column:payload;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "collab_snapshots"
}

// SnapshotStore reads and writes room snapshots.
type SnapshotStore struct {
	db *gorm.DB
}

// NewSnapshotStore wraps db.
func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Latest returns the highest version snapshot for room, or nil when none exists.
func (s *SnapshotStore) Latest(ctx context.Context, room RoomID) (*Snapshot, error) {
	var snapshot Snapshot
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND document_id = ?", room.WorkspaceID, room.DocumentID).
		Order("version DESC").
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Insert writes snapshot unless its version already exists. It reports whether this call
// created the row; false means a concurrent writer claimed the version first.
func (s *SnapshotStore) Insert(ctx context.Context, snapshot Snapshot) (bool, error) {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&snapshot)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
