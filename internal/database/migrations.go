package database

import (
	"errors"
	"time"

	"github.com/evenlight/tandem/backend/internal/reading"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRepairCompletedSessionStatus = "2026-07-02_repair_completed_session_status"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRepairCompletedSessionStatus, apply: repairCompletedSessionStatus},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// repairCompletedSessionStatus realigns rows written before the status column
// was updated together with the phase transition.
func repairCompletedSessionStatus(db *gorm.DB) error {
	return db.Model(&reading.Session{}).
		Where("current_phase = ? AND status = ?", reading.PhaseComplete, reading.StatusInProgress).
		Update("status", reading.StatusComplete).Error
}
