package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/peerflow/internal/activities"
	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillModerationState = "2026-09-14_backfill_moderation_state"
	migrationClearTerminalDeadlines  = "2026-10-02_clear_terminal_deadlines"
)

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
		{name: migrationBackfillModerationState, apply: backfillModerationState},
		{name: migrationClearTerminalDeadlines, apply: clearTerminalDeadlines},
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

// Rows written before moderation existed carry an empty state.
func backfillModerationState(db *gorm.DB) error {
	return db.Model(&activities.Activity{}).
		Where("moderation_state IS NULL OR moderation_state = ''").
		Update("moderation_state", activities.ModerationNone).Error
}

// Terminal activities have no deadline; older rows kept the last one and
// showed up as overdue.
func clearTerminalDeadlines(db *gorm.DB) error {
	return db.Model(&activities.Activity{}).
		Where("current_stage IN ? AND stage_deadline_s IS NOT NULL", []templates.Stage{templates.StageCompleted, templates.StageCancelled}).
		Update("stage_deadline_s", nil).Error
}
