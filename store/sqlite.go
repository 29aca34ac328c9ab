package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Namespaces used by this module.
const (
	NamespaceCache    = "cache"
	NamespaceSchedule = "schedule"
)

// Entry is one persisted key-value pair.
type Entry struct {
	Namespace string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Key       string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Value     []byte    `gorm:"type:BLOB NOT NULL"`
	UpdatedAt time.Time `gorm:"type:DATETIME NOT NULL"`
}

// TableName implements the GORM tabler interface.
func (Entry) TableName() string { return "kv_entries" }

// OpenSQLite opens (or creates) a SQLite database, applies PRAGMAs and
// migrates the kv_entries table.
func OpenSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create storage directory %s: %w", dir, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// AutoMigrate creates or updates the kv_entries table.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return fmt.Errorf("migrate kv_entries: %w", err)
	}
	return nil
}

// SQLite is a Store backed by one namespace of the kv_entries table.
type SQLite struct {
	db        *gorm.DB
	namespace string
}

// NewSQLite binds a Store to namespace in db. The table must exist.
func NewSQLite(db *gorm.DB, namespace string) *SQLite {
	return &SQLite{db: db, namespace: namespace}
}

// Get reads key from the bound namespace. A missing row is reported as
// not found, not as an error.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var e Entry
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND key = ?", s.namespace, key).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", s.namespace, key, err)
	}
	return e.Value, true, nil
}

// Put upserts key in the bound namespace and stamps UpdatedAt.
func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	e := Entry{
		Namespace: s.namespace,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", s.namespace, key, err)
	}
	return nil
}

// Delete removes key from the bound namespace.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND key = ?", s.namespace, key).
		Delete(&Entry{}).Error
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", s.namespace, key, err)
	}
	return nil
}

// Scan loads the namespace in key order; fn may modify the store.
func (s *SQLite) Scan(ctx context.Context, fn func(key string, value []byte) bool) error {
	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("namespace = ?", s.namespace).
		Order("key").
		Find(&entries).Error
	if err != nil {
		return fmt.Errorf("scan %s: %w", s.namespace, err)
	}
	for _, e := range entries {
		if !fn(e.Key, e.Value) {
			return nil
		}
	}
	return nil
}

// DeleteAll removes every row of the bound namespace and leaves other
// namespaces untouched.
func (s *SQLite) DeleteAll(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Where("namespace = ?", s.namespace).
		Delete(&Entry{}).Error
	if err != nil {
		return fmt.Errorf("delete all %s: %w", s.namespace, err)
	}
	return nil
}
