package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/dashsync/internal/sections"
)

const migrationTrimSectionHistory = "2026-10-01_trim_section_history"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// Migration is a named, run-once data migration.
type Migration struct {
	Name  string
	Apply func(*gorm.DB) error
}

// ServerMigrations returns the data migrations of the API server database in order.
func ServerMigrations(historyLimit int) []Migration {
	if historyLimit <= 0 {
		historyLimit = sections.DefaultHistoryLimit
	}
	return []Migration{
		{Name: migrationTrimSectionHistory, Apply: trimSectionHistory(historyLimit)},
	}
}

func applyMigrations(db *gorm.DB, migrations []Migration, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.Name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.Apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.Name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.Name))
		}
	}
	return nil
}

// trimSectionHistory drops history rows older than the retention window of their section while
// keeping the row of each section's current version.
func trimSectionHistory(limit int) func(*gorm.DB) error {
	return func(db *gorm.DB) error {
		return db.Exec(`DELETE FROM dashboard_section_history
WHERE EXISTS (
	SELECT 1 FROM dashboard_sections s
	WHERE s.owner_id = dashboard_section_history.owner_id
	  AND s.section_type = dashboard_section_history.section_type
	  AND s.section_key = dashboard_section_history.section_key
	  AND dashboard_section_history.version <= s.version - ?
)`, limit).Error
	}
}
