package database

import (
	"path/filepath"
	"testing"

	"github.com/evenlight/tandem/backend/internal/reading"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRepairsCompletedSessionStatus(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&reading.Session{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	completedAt := int64(1700000100)
	session := reading.Session{
		SessionID:          "session-1",
		Mode:               reading.ModeSolo,
		User1ID:            "user-1",
		CurrentPhase:       reading.PhaseComplete,
		Status:             reading.StatusInProgress,
		StartedAtSeconds:   1700000000,
		CompletedAtSeconds: &completedAt,
	}
	if err := database.Create(&session).Error; err != nil {
		testContext.Fatalf("failed to insert session: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored reading.Session
	if err := database.Where("session_id = ?", session.SessionID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload session: %v", err)
	}
	if stored.Status != reading.StatusComplete {
		testContext.Fatalf("expected completed status, got %s", stored.Status)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationRepairCompletedSessionStatus).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected an error for an empty database path")
	}
}
