package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/potshelf/internal/delta"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPendingDeltaDedupe = "2026-10-01_pending_delta_dedupe"

const deleteDuplicatePendingDeltas = `DELETE FROM deltas
WHERE version_id IS NULL
  AND id NOT IN (
    SELECT MIN(id) FROM deltas WHERE version_id IS NULL GROUP BY document_id, data_hash
  )`

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
		{name: migrationPendingDeltaDedupe, apply: dedupePendingDeltas},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dedupePendingDeltas collapses identical pending payloads before the partial
// unique index can be created over them.
func dedupePendingDeltas(db *gorm.DB) error {
	if err := db.Exec(deleteDuplicatePendingDeltas).Error; err != nil {
		return err
	}
	return delta.EnsureIndexes(db)
}
