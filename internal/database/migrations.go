package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationLowercaseIdentityHandles = "2026-09-14_lowercase_identity_handle_index"

// MigrationRecord marks a named data migration as applied.
type MigrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName binds migration records to the db_migrations table.
func (MigrationRecord) TableName() string {
	return "db_migrations"
}

// Migration is a one-shot data fix identified by name. Schema changes stay
// additive and are handled by AutoMigrate.
type Migration struct {
	Name  string
	Apply func(*gorm.DB) error
}

// ApplyMigrations runs each migration that has no db_migrations record yet.
func ApplyMigrations(db *gorm.DB, logger *zap.Logger, migrations []Migration) error {
	if len(migrations) == 0 {
		return nil
	}
	if err := db.AutoMigrate(&MigrationRecord{}); err != nil {
		return err
	}

	for _, migration := range migrations {
		var record MigrationRecord
		err := db.Where("name = ?", migration.Name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.Apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&MigrationRecord{Name: migration.Name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.Name))
		}
	}
	return nil
}

func identityMigrations() []Migration {
	return []Migration{
		{Name: migrationLowercaseIdentityHandles, Apply: lowercaseIdentityHandles},
	}
}

func lowercaseIdentityHandles(db *gorm.DB) error {
	return db.Exec("UPDATE user_identities SET handle_lower = lower(handle) WHERE handle_lower IS NULL OR handle_lower = ''").Error
}
