package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarcoPoloResearchLab/followcrm/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open establishes a single-connection SQLite handle, creating the parent
// directory when needed. Models are auto-migrated and named migrations applied.
func Open(path string, log *zap.Logger, models []any, migrations []Migration) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." && !isMemoryDSN(path) {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
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

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			return nil, err
		}
	}

	if err := ApplyMigrations(db, log, migrations); err != nil {
		return nil, err
	}

	return db, nil
}

// OpenSQLite opens the shared identity database.
func OpenSQLite(path string, log *zap.Logger) (*gorm.DB, error) {
	db, err := Open(path, log, []any{&users.Identity{}}, identityMigrations())
	if err != nil {
		return nil, err
	}
	if log != nil {
		log.Info("database initialized", zap.String("path", path))
	}
	return db, nil
}

func isMemoryDSN(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file:")
}
