package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/cards"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeCardStatus = "2025-06-01_normalize_card_status"

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
		{name: migrationNormalizeCardStatus, apply: normalizeCardStatus},
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

// normalizeCardStatus lowercases statuses imported with mixed casing and maps
// anything unrecognized back to unassigned.
func normalizeCardStatus(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&cards.CardState{}).
			Where("status <> LOWER(TRIM(status))").
			Update("status", gorm.Expr("LOWER(TRIM(status))")).Error; err != nil {
			return err
		}
		return tx.Model(&cards.CardState{}).
			Where("status NOT IN ?", []string{string(cards.StatusUnassigned), string(cards.StatusAssigned), string(cards.StatusCompleted)}).
			Update("status", cards.StatusUnassigned).Error
	})
}
