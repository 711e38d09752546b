package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnKey       = "entry_key"
	columnValue     = "value"
	columnUpdatedAt = "updated_at_s"
	queryKey        = columnKey + " = ?"
)

// Entry is a single persisted key/value pair.
type Entry struct {
	Key              string         `gorm:"column:entry_key;primaryKey;size:190;not null"`
	Value            datatypes.JSON `gorm:"column:value;type:json;not null"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "kv_entries"
}

// SQLStore persists entries through GORM. The primary key on entry_key gives PutIfAbsent
// its atomicity, so it holds across processes sharing the database.
type SQLStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLStore wraps an open database handle. The kv_entries table must already exist.
func NewSQLStore(db *gorm.DB, clock func() time.Time) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("kv: database handle is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLStore{db: db, clock: clock}, nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, key string, dest any) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	var entry Entry
	err := s.db.WithContext(ctx).Where(queryKey, key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv: get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value, dest); err != nil {
		return false, fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return true, nil
}

// Put implements Store.
func (s *SQLStore) Put(ctx context.Context, key string, value any) error {
	entry, err := s.newEntry(key, value)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnKey}},
		DoUpdates: clause.AssignmentColumns([]string{columnValue, columnUpdatedAt}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("kv: put %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent implements AtomicStore.
func (s *SQLStore) PutIfAbsent(ctx context.Context, key string, value any) (bool, error) {
	entry, err := s.newEntry(key, value)
	if err != nil {
		return false, err
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if result.Error != nil {
		return false, fmt.Errorf("kv: put if absent %s: %w", key, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where(queryKey, key).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("kv: delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) newEntry(key string, value any) (Entry, error) {
	if err := validateKey(key); err != nil {
		return Entry{}, err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return Entry{}, fmt.Errorf("kv: encode %s: %w", key, err)
	}
	return Entry{
		Key:              key,
		Value:            datatypes.JSON(encoded),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}, nil
}
