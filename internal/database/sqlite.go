package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarcoPoloResearchLab/dashsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/dashsync/internal/sections"
)

// Options describes the schema managed on a SQLite file.
type Options struct {
	Models     []any
	Migrations []Migration
	Logger     *zap.Logger
}

// OpenSQLite establishes a SQLite connection, auto-migrates the models and applies the named
// migrations that have not run yet.
func OpenSQLite(path string, options Options) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	models := append([]any{&migrationRecord{}}, options.Models...)
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, options.Migrations, options.Logger); err != nil {
		return nil, err
	}

	if options.Logger != nil {
		options.Logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// OpenServerSQLite opens the API server database holding sections, history and presence.
func OpenServerSQLite(path string, historyLimit int, log *zap.Logger) (*gorm.DB, error) {
	return OpenSQLite(path, Options{
		Models:     ServerModels(),
		Migrations: ServerMigrations(historyLimit),
		Logger:     log,
	})
}

// ServerModels lists the tables owned by the API server.
func ServerModels() []any {
	return []any{&sections.SectionRecord{}, &sections.HistoryEntry{}, &realtime.EditingSession{}}
}
