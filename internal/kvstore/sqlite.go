package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Record is the single table backing the sqlite driver.
type Record struct {
	Key       string    `gorm:"column:record_key;primaryKey;size:255"`
	Value     []byte    `gorm:"column:value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName pins the table name independent of gorm's pluralization.
func (Record) TableName() string { return "kv_records" }

type sqliteStore struct {
	db    *gorm.DB
	owned bool
}

// OpenSQLite opens (or creates) a database at dsn and migrates the schema.
func OpenSQLite(dsn string) (Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: open sqlite: %w", err)
	}
	s, err := NewSQLite(db)
	if err != nil {
		return nil, err
	}
	s.(*sqliteStore).owned = true
	return s, nil
}

// NewSQLite wraps an existing gorm handle and migrates the schema.
func NewSQLite(db *gorm.DB) (Store, error) {
	if db == nil {
		return nil, fmt.Errorf("kvstore: sqlite store requires database handle")
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("kvstore: migrate sqlite: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("record_key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: sqlite get %q: %w", key, err)
	}
	return rec.Value, nil
}

func (s *sqliteStore) Set(ctx context.Context, key string, value []byte) error {
	rec := Record{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("kvstore: sqlite set %q: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("record_key = ?", key).Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("kvstore: sqlite delete %q: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	q := s.db.WithContext(ctx).Model(&Record{})
	if prefix != "" {
		q = q.Where("substr(record_key, 1, ?) = ?", len(prefix), prefix)
	}
	if err := q.Order("record_key ASC").Pluck("record_key", &keys).Error; err != nil {
		return nil, fmt.Errorf("kvstore: sqlite list: %w", err)
	}
	return keys, nil
}

func (s *sqliteStore) Close() error {
	if !s.owned {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
