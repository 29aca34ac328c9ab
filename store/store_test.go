package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Unique in-memory database per test to avoid leakage across tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// exerciseStore runs the shared Store contract against s.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss for unknown key, got ok=%v err=%v", ok, err)
	}

	if err := s.Put(ctx, "b", []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, "a", []byte("2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, "b", []byte("3")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	v, ok, err := s.Get(ctx, "b")
	if err != nil || !ok || string(v) != "3" {
		t.Fatalf("expected overwritten value '3', got %q ok=%v err=%v", v, ok, err)
	}

	var keys []string
	if err := s.Scan(ctx, func(k string, _ []byte) bool {
		keys = append(keys, k)
		return true
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("expected keys [a b], got %v", keys)
	}

	// Deleting during a scan must be safe.
	if err := s.Scan(ctx, func(k string, _ []byte) bool {
		_ = s.Delete(ctx, k)
		return false
	}); err != nil {
		t.Fatalf("scan with delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatal("expected 'a' deleted during scan")
	}

	if err := s.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("delete missing key: %v", err)
	}

	if err := s.DeleteAll(ctx); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "b"); ok {
		t.Fatal("expected store empty after DeleteAll")
	}
}

func TestMemory_Contract(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemory_CopiesValues(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	buf := []byte("original")
	if err := m.Put(ctx, "k", buf); err != nil {
		t.Fatalf("put: %v", err)
	}
	buf[0] = 'X'

	v, _, _ := m.Get(ctx, "k")
	if string(v) != "original" {
		t.Fatalf("expected stored value isolated from caller slice, got %q", v)
	}
	v[0] = 'Y'
	if again, _, _ := m.Get(ctx, "k"); string(again) != "original" {
		t.Fatalf("expected Get to return a copy, got %q", again)
	}
}

func TestSQLite_Contract(t *testing.T) {
	exerciseStore(t, NewSQLite(newTestDB(t), NamespaceCache))
}

func TestSQLite_NamespacesAreIsolated(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	cache := NewSQLite(db, NamespaceCache)
	sched := NewSQLite(db, NamespaceSchedule)

	if err := cache.Put(ctx, "k", []byte("cache")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := sched.Put(ctx, "k", []byte("schedule")); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := cache.DeleteAll(ctx); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	v, ok, err := sched.Get(ctx, "k")
	if err != nil || !ok || string(v) != "schedule" {
		t.Fatalf("expected schedule namespace untouched, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestOpenSQLite_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	s := NewSQLite(db, NamespaceSchedule)
	if err := s.Put(context.Background(), "user:1", []byte(`{"count":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	v, ok, err := NewSQLite(reopened, NamespaceSchedule).Get(context.Background(), "user:1")
	if err != nil || !ok || string(v) != `{"count":1}` {
		t.Fatalf("expected persisted value, got %q ok=%v err=%v", v, ok, err)
	}
}
