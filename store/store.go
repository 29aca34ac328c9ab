// Package store provides the flat, persisted key-value storage behind the
// response cache and the send-rate limiter.
//
// Values are opaque byte blobs (JSON in practice). There is no cross-process
// locking: concurrent writers to one key resolve last-writer-wins.
package store

import (
	"context"
	"sort"
	"sync"
)

// Store is a namespaced key-value store.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put writes value under key, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan calls fn for every entry in key order until fn returns false.
	Scan(ctx context.Context, fn func(key string, value []byte) bool) error

	// DeleteAll removes every entry.
	DeleteAll(ctx context.Context) error
}

// Memory is an in-process Store. The zero value is not usable; use NewMemory.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Put stores a copy of value, so the caller may reuse its slice.
func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.entries[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

// Delete removes key if present.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Scan iterates over a snapshot, so fn may modify the store.
func (m *Memory) Scan(_ context.Context, fn func(key string, value []byte) bool) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	snap := make(map[string][]byte, len(m.entries))
	for k, v := range m.entries {
		keys = append(keys, k)
		snap[k] = v
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if !fn(k, snap[k]) {
			return nil
		}
	}
	return nil
}

// DeleteAll drops every entry.
func (m *Memory) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string][]byte)
	m.mu.Unlock()
	return nil
}
