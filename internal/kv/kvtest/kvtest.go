// Package kvtest has store fixtures for tests.
package kvtest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/kv"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrInjected is returned by FailingStore for keys configured to fail.
var ErrInjected = errors.New("kvtest: injected failure")

// NewSQLStore opens a sqlite database in a per-test directory and returns an AtomicStore over it.
func NewSQLStore(t testing.TB) *kv.SQLStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "kv.db")), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&kv.Entry{}); err != nil {
		t.Fatalf("failed to migrate kv schema: %v", err)
	}
	store, err := kv.NewSQLStore(db, func() time.Time { return time.Unix(1700000000, 0) })
	if err != nil {
		t.Fatalf("failed to build sql store: %v", err)
	}
	return store
}

// FailingStore wraps a Store and fails reads or writes of selected keys.
type FailingStore struct {
	kv.Store

	mu         sync.Mutex
	failGets   map[string]bool
	failPuts   map[string]bool
	failAll    bool
	getCalls   int
	writeCalls int
}

// NewFailingStore wraps inner.
func NewFailingStore(inner kv.Store) *FailingStore {
	return &FailingStore{
		Store:    inner,
		failGets: make(map[string]bool),
		failPuts: make(map[string]bool),
	}
}

// FailGet makes reads of key fail.
func (s *FailingStore) FailGet(key string) {
	s.mu.Lock()
	s.failGets[key] = true
	s.mu.Unlock()
}

// FailPut makes writes and deletes of key fail.
func (s *FailingStore) FailPut(key string) {
	s.mu.Lock()
	s.failPuts[key] = true
	s.mu.Unlock()
}

// FailAll makes every operation fail.
func (s *FailingStore) FailAll(fail bool) {
	s.mu.Lock()
	s.failAll = fail
	s.mu.Unlock()
}

// Calls reports how many reads and writes reached the wrapper.
func (s *FailingStore) Calls() (gets, writes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls, s.writeCalls
}

func (s *FailingStore) Get(ctx context.Context, key string, dest any) (bool, error) {
	s.mu.Lock()
	s.getCalls++
	fail := s.failAll || s.failGets[key]
	s.mu.Unlock()
	if fail {
		return false, ErrInjected
	}
	return s.Store.Get(ctx, key, dest)
}

func (s *FailingStore) Put(ctx context.Context, key string, value any) error {
	s.mu.Lock()
	s.writeCalls++
	fail := s.failAll || s.failPuts[key]
	s.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return s.Store.Put(ctx, key, value)
}

func (s *FailingStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.writeCalls++
	fail := s.failAll || s.failPuts[key]
	s.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return s.Store.Delete(ctx, key)
}
