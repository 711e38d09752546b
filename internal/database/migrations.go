package database

import (
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/kv"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationSplitSelectionKeys = "2026-09-01_split_activity_selection_keys"
	legacySelectionPrefix       = "selections:"
	selectionPrefix             = "activity:user:"
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
		{name: migrationSplitSelectionKeys, apply: splitSelectionKeys},
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
		if err := db.Transaction(migration.apply); err != nil {
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

// splitSelectionKeys moves per-identity selections from the flat "selections:<id>" keys to
// the activity namespace. Existing entries under the new key win.
func splitSelectionKeys(db *gorm.DB) error {
	var legacy []kv.Entry
	if err := db.Where("entry_key LIKE ?", legacySelectionPrefix+"%").Find(&legacy).Error; err != nil {
		return err
	}
	for _, entry := range legacy {
		userID := strings.TrimPrefix(entry.Key, legacySelectionPrefix)
		if userID == "" {
			continue
		}
		moved := kv.Entry{
			Key:              selectionPrefix + userID,
			Value:            entry.Value,
			UpdatedAtSeconds: entry.UpdatedAtSeconds,
		}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&moved).Error; err != nil {
			return err
		}
		if err := db.Where("entry_key = ?", entry.Key).Delete(&kv.Entry{}).Error; err != nil {
			return err
		}
	}
	return nil
}
