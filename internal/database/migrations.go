package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPurgeOrphanedHandles = "2026-05-01_purge_orphaned_handles_and_tickets"

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
		{name: migrationPurgeOrphanedHandles, apply: purgeOrphanedHandles},
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

// purgeOrphanedHandles drops handles and tickets left behind by sessions deleted before the
// store removed them together.
func purgeOrphanedHandles(db *gorm.DB) error {
	const orphanedHandles = `DELETE FROM emulator_handles WHERE NOT EXISTS (
		SELECT 1 FROM emulator_sessions s
		WHERE s.scid = emulator_handles.scid
		AND s.template_name = emulator_handles.template_name
		AND s.session_name = emulator_handles.session_name)`
	if err := db.Exec(orphanedHandles).Error; err != nil {
		return err
	}
	const orphanedTickets = `DELETE FROM emulator_tickets WHERE NOT EXISTS (
		SELECT 1 FROM emulator_sessions s
		WHERE s.scid = emulator_tickets.scid
		AND s.template_name = emulator_tickets.ticket_template
		AND s.session_name = emulator_tickets.ticket_session)`
	return db.Exec(orphanedTickets).Error
}
