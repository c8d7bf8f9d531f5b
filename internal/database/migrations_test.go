package database

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/followcrm/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsHandleIndex(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&users.Identity{}, &MigrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	identity := users.Identity{
		Provider: "x",
		Subject:  "42",
		UserID:   "42",
		Handle:   "SomeOne",
	}
	if err := database.Create(&identity).Error; err != nil {
		testContext.Fatalf("failed to insert identity: %v", err)
	}
	if err := database.Exec("UPDATE user_identities SET handle_lower = ''").Error; err != nil {
		testContext.Fatalf("failed to clear handle index: %v", err)
	}

	if err := ApplyMigrations(database, zap.NewNop(), identityMigrations()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored users.Identity
	if err := database.Where("provider = ? AND subject = ?", "x", "42").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload identity: %v", err)
	}
	if stored.HandleLower != "someone" {
		testContext.Fatalf("expected lower-cased handle index, got %q", stored.HandleLower)
	}

	var record MigrationRecord
	if err := database.Where("name = ?", migrationLowercaseIdentityHandles).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsEachMigrationOnce(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "once.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	calls := 0
	migrations := []Migration{{
		Name: "count_calls",
		Apply: func(*gorm.DB) error {
			calls++
			return nil
		},
	}}
	for attempt := 0; attempt < 3; attempt++ {
		if err := ApplyMigrations(database, nil, migrations); err != nil {
			testContext.Fatalf("attempt %d failed: %v", attempt, err)
		}
	}
	if calls != 1 {
		testContext.Fatalf("expected migration to run once, ran %d times", calls)
	}
}

func TestApplyMigrationsStopsOnFailure(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "fail.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	failure := errors.New("boom")
	err = ApplyMigrations(database, nil, []Migration{{Name: "broken", Apply: func(*gorm.DB) error { return failure }}})
	if !errors.Is(err, failure) {
		testContext.Fatalf("expected migration failure, got %v", err)
	}

	var count int64
	if err := database.Model(&MigrationRecord{}).Where("name = ?", "broken").Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("failed migration must not be recorded")
	}
}
