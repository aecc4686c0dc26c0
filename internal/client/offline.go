package client

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/dashsync/internal/database"
)

var errMissingQueueDatabase = errors.New("client: offline queue database is required")

// PendingSave is the durable form of a save that could not reach the server. There is at most
// one row per section.
type PendingSave struct {
	SectionType     string `gorm:"column:section_type;primaryKey;size:190;not null"`
	SectionKey      string `gorm:"column:section_key;primaryKey;size:190;not null"`
	ContentJSON     string `gorm:"column:content_json;type:text;not null"`
	ExpectedVersion *int64 `gorm:"column:expected_version"`
	AttemptCount    int    `gorm:"column:attempt_count;not null;default:0"`
	EnqueuedAtMs    int64  `gorm:"column:enqueued_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (PendingSave) TableName() string {
	return "pending_saves"
}

// ID returns the section the row belongs to.
func (p PendingSave) ID() SectionID {
	return SectionID{Type: p.SectionType, Key: p.SectionKey}
}

// Content returns the queued document.
func (p PendingSave) Content() json.RawMessage {
	return json.RawMessage(p.ContentJSON)
}

// OfflineStore persists pending saves across restarts.
type OfflineStore interface {
	Put(ctx context.Context, pending PendingSave) error
	Remove(ctx context.Context, id SectionID) error
	List(ctx context.Context) ([]PendingSave, error)
}

// OfflineQueue is the SQLite-backed OfflineStore.
type OfflineQueue struct {
	db *gorm.DB
}

// OpenOfflineQueue opens (or creates) the queue file at path.
func OpenOfflineQueue(path string) (*OfflineQueue, error) {
	db, err := database.OpenSQLite(path, database.Options{Models: []any{&PendingSave{}}})
	if err != nil {
		return nil, err
	}
	return NewOfflineQueue(db)
}

func NewOfflineQueue(db *gorm.DB) (*OfflineQueue, error) {
	if db == nil {
		return nil, errMissingQueueDatabase
	}
	return &OfflineQueue{db: db}, nil
}

// Put stores pending, replacing any older row for the same section.
func (q *OfflineQueue) Put(ctx context.Context, pending PendingSave) error {
	if pending.EnqueuedAtMs == 0 {
		pending.EnqueuedAtMs = time.Now().UnixMilli()
	}
	return q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "section_type"}, {Name: "section_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"content_json", "expected_version", "attempt_count", "enqueued_at_ms"}),
	}).Create(&pending).Error
}

func (q *OfflineQueue) Remove(ctx context.Context, id SectionID) error {
	return q.db.WithContext(ctx).
		Where("section_type = ? AND section_key = ?", id.Type, id.Key).
		Delete(&PendingSave{}).Error
}

// List returns the rows in the order they were enqueued.
func (q *OfflineQueue) List(ctx context.Context) ([]PendingSave, error) {
	var rows []PendingSave
	err := q.db.WithContext(ctx).
		Order("enqueued_at_ms ASC").
		Order("section_type ASC").
		Order("section_key ASC").
		Find(&rows).Error
	return rows, err
}

// Close releases the underlying connection.
func (q *OfflineQueue) Close() error {
	sqlDB, err := q.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
