package statestore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"beacon/internal/config"
)

// Store is a key-value store with optional per-key TTL.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open builds the configured store backend.
// Params: ctx dial context; cfg state section; logger reports backend selection.
// Returns: store or connection error.
func Open(ctx context.Context, cfg config.StateConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		store, err := OpenRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		if logger != nil {
			logger.Info("state store connected", slog.String("backend", "redis"), slog.String("addr", cfg.Redis.Addr))
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported state backend %q", cfg.Backend)
	}
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process TTL cache implementing Store.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemory creates an empty in-process store.
// Params: none.
// Returns: memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get returns a copy of the live value for key.
// Params: _ unused context; key lookup key.
// Returns: value, presence flag and nil error.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expires.IsZero() && !m.now().Before(entry.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

// Set stores value under key; ttl <= 0 keeps the entry until deleted.
// Params: _ unused context; key store key; value payload; ttl lifetime.
// Returns: nil error.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expires = m.now().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

// SetNX stores value only when key has no live entry.
// Params: _ unused context; key store key; value payload; ttl lifetime.
// Returns: true when the value was stored; nil error.
func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if entry, ok := m.entries[key]; ok && (entry.expires.IsZero() || now.Before(entry.expires)) {
		return false, nil
	}
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expires = now.Add(ttl)
	}
	m.entries[key] = entry
	return true, nil
}

// Delete removes key.
// Params: _ unused context; key store key.
// Returns: nil error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Sweep evicts expired entries.
// Params: none.
// Returns: number of evicted entries.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	evicted := 0
	for key, entry := range m.entries {
		if !entry.expires.IsZero() && !now.Before(entry.expires) {
			delete(m.entries, key)
			evicted++
		}
	}
	return evicted
}

// Len returns stored entry count including not yet swept expired entries.
// Params: none.
// Returns: entry count.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close is a no-op for the memory store.
// Params: none.
// Returns: nil.
func (m *Memory) Close() error {
	return nil
}
