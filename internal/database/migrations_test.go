package database

import (
	"fmt"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/dashsync/internal/sections"
)

func TestApplyMigrationsTrimsSectionHistory(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(append(ServerModels(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	record := sections.SectionRecord{
		OwnerID:         "owner-1",
		SectionType:     "widget",
		SectionKey:      "overview",
		ContentJSON:     `{"v":6}`,
		Version:         6,
		LastSavedAtMsec: 1,
	}
	if err := database.Create(&record).Error; err != nil {
		testContext.Fatalf("failed to insert record: %v", err)
	}
	for version := int64(1); version <= 6; version++ {
		entry := sections.HistoryEntry{
			EntryID:     fmt.Sprintf("entry-%d", version),
			OwnerID:     record.OwnerID,
			SectionType: record.SectionType,
			SectionKey:  record.SectionKey,
			Version:     version,
			ContentJSON: fmt.Sprintf(`{"v":%d}`, version),
			SavedAtMsec: version,
			SaveMethod:  sections.SaveMethodAuto,
		}
		if err := database.Create(&entry).Error; err != nil {
			testContext.Fatalf("failed to insert history: %v", err)
		}
	}

	if err := applyMigrations(database, ServerMigrations(2), zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var versions []int64
	if err := database.Model(&sections.HistoryEntry{}).Order("version ASC").Pluck("version", &versions).Error; err != nil {
		testContext.Fatalf("failed to reload history: %v", err)
	}
	if len(versions) != 2 || versions[0] != 5 || versions[1] != 6 {
		testContext.Fatalf("expected versions [5 6] to survive, got %v", versions)
	}

	var applied migrationRecord
	if err := database.Where("name = ?", migrationTrimSectionHistory).Take(&applied).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if applied.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "once.db"), Options{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	runs := 0
	migrations := []Migration{{Name: "count", Apply: func(*gorm.DB) error {
		runs++
		return nil
	}}}
	for attempt := 0; attempt < 2; attempt++ {
		if err := applyMigrations(database, migrations, nil); err != nil {
			testContext.Fatalf("failed to apply migrations: %v", err)
		}
	}
	if runs != 1 {
		testContext.Fatalf("expected migration to run once, ran %d times", runs)
	}
}

func TestOpenServerSQLiteCreatesSchema(testContext *testing.T) {
	database, err := OpenServerSQLite(filepath.Join(testContext.TempDir(), "server.db"), 0, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open server database: %v", err)
	}
	for _, table := range []string{"dashboard_sections", "dashboard_section_history", "editing_sessions", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
}
