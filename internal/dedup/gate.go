package dedup

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"beacon/internal/statestore"
)

const (
	storeKeyPrefix = "dedup:"
	storeTimeout   = 500 * time.Millisecond
)

// Gate suppresses re-sends of recently delivered fingerprints.
type Gate interface {
	ShouldSend(ctx context.Context, fingerprint string) bool
	MarkSent(ctx context.Context, fingerprint string)
	TryMark(ctx context.Context, fingerprint string) bool
	Forget(ctx context.Context, fingerprint string)
}

// Entry is one remembered fingerprint.
type Entry struct {
	Fingerprint string
	LastSentAt  time.Time
}

// MemoryGate is a bounded in-process gate.
type MemoryGate struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	entries  map[string]time.Time
	now      func() time.Time
}

// NewMemoryGate creates an in-process gate.
// Params: window suppression window; capacity max remembered fingerprints.
// Returns: memory gate.
func NewMemoryGate(window time.Duration, capacity int) *MemoryGate {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryGate{
		window:   window,
		capacity: capacity,
		entries:  make(map[string]time.Time, capacity+1),
		now:      time.Now,
	}
}

// ShouldSend reports false iff an unexpired entry exists; suppression never refreshes it.
// Params: _ unused context; fingerprint event fingerprint.
// Returns: send verdict.
func (g *MemoryGate) ShouldSend(_ context.Context, fingerprint string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	sentAt, ok := g.entries[fingerprint]
	if !ok {
		return true
	}
	if g.expired(sentAt, g.now()) {
		delete(g.entries, fingerprint)
		return true
	}
	return false
}

// MarkSent records fingerprint at current time and enforces the capacity bound.
// Params: _ unused context; fingerprint event fingerprint.
// Returns: none.
func (g *MemoryGate) MarkSent(_ context.Context, fingerprint string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.markLocked(fingerprint, g.now())
}

// TryMark records fingerprint unless an unexpired entry exists, in one critical section.
// Params: _ unused context; fingerprint event fingerprint.
// Returns: true when the caller owns the send.
func (g *MemoryGate) TryMark(_ context.Context, fingerprint string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if sentAt, ok := g.entries[fingerprint]; ok && !g.expired(sentAt, now) {
		return false
	}
	g.markLocked(fingerprint, now)
	return true
}

// Forget removes fingerprint so a later occurrence is sent again.
// Params: _ unused context; fingerprint event fingerprint.
// Returns: none.
func (g *MemoryGate) Forget(_ context.Context, fingerprint string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, fingerprint)
}

// markLocked stores fingerprint at now and enforces capacity. Caller holds mu.
func (g *MemoryGate) markLocked(fingerprint string, now time.Time) {
	g.entries[fingerprint] = now
	if len(g.entries) <= g.capacity {
		return
	}

	for key, sentAt := range g.entries {
		if g.expired(sentAt, now) {
			delete(g.entries, key)
		}
	}
	for len(g.entries) > g.capacity {
		g.evictOldest()
	}
}

// Touch refreshes an unexpired entry on inspection.
// Params: fingerprint event fingerprint.
// Returns: true when an entry was refreshed.
func (g *MemoryGate) Touch(fingerprint string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	sentAt, ok := g.entries[fingerprint]
	now := g.now()
	if !ok || g.expired(sentAt, now) {
		return false
	}
	g.entries[fingerprint] = now
	return true
}

// Len returns remembered fingerprint count.
// Params: none.
// Returns: entry count.
func (g *MemoryGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Snapshot lists unexpired entries oldest first.
// Params: none.
// Returns: entry copies.
func (g *MemoryGate) Snapshot() []Entry {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	out := make([]Entry, 0, len(g.entries))
	for key, sentAt := range g.entries {
		if g.expired(sentAt, now) {
			continue
		}
		out = append(out, Entry{Fingerprint: key, LastSentAt: sentAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSentAt.Equal(out[j].LastSentAt) {
			return out[i].Fingerprint < out[j].Fingerprint
		}
		return out[i].LastSentAt.Before(out[j].LastSentAt)
	})
	return out
}

// expired reports whether sentAt is outside the window at now.
func (g *MemoryGate) expired(sentAt time.Time, now time.Time) bool {
	return g.window > 0 && now.Sub(sentAt) >= g.window
}

// evictOldest removes the entry with the oldest timestamp. Caller holds mu.
func (g *MemoryGate) evictOldest() {
	var (
		oldestKey string
		oldestAt  time.Time
		found     bool
	)
	for key, sentAt := range g.entries {
		if !found || sentAt.Before(oldestAt) || (sentAt.Equal(oldestAt) && key < oldestKey) {
			oldestKey, oldestAt, found = key, sentAt, true
		}
	}
	if found {
		delete(g.entries, oldestKey)
	}
}

// StoreGate keeps dedup entries in an external state store shared across workers.
type StoreGate struct {
	store  statestore.Store
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewStoreGate creates a gate over store.
// Params: store shared key-value store; window entry TTL; logger reports store failures.
// Returns: store gate.
func NewStoreGate(store statestore.Store, window time.Duration, logger *slog.Logger) *StoreGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreGate{store: store, window: window, logger: logger, now: time.Now}
}

// ShouldSend checks the store; store errors fail open.
// Params: ctx request context; fingerprint event fingerprint.
// Returns: send verdict.
func (g *StoreGate) ShouldSend(ctx context.Context, fingerprint string) bool {
	callCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	_, found, err := g.store.Get(callCtx, storeKeyPrefix+fingerprint)
	if err != nil {
		g.logger.Warn("dedup store unavailable, allowing send",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)
		return true
	}
	return !found
}

// MarkSent stores fingerprint with TTL equal to the window.
// Params: ctx request context; fingerprint event fingerprint.
// Returns: none.
func (g *StoreGate) MarkSent(ctx context.Context, fingerprint string) {
	callCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	stamp := []byte(g.now().UTC().Format(time.RFC3339Nano))
	if err := g.store.Set(callCtx, storeKeyPrefix+fingerprint, stamp, g.window); err != nil {
		g.logger.Warn("dedup store write failed",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)
	}
}

// TryMark claims fingerprint with SETNX semantics; store errors fail open.
// Params: ctx request context; fingerprint event fingerprint.
// Returns: true when the caller owns the send.
func (g *StoreGate) TryMark(ctx context.Context, fingerprint string) bool {
	callCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	stamp := []byte(g.now().UTC().Format(time.RFC3339Nano))
	stored, err := g.store.SetNX(callCtx, storeKeyPrefix+fingerprint, stamp, g.window)
	if err != nil {
		g.logger.Warn("dedup store unavailable, allowing send",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)
		return true
	}
	return stored
}

// Forget deletes the shared entry for fingerprint.
// Params: ctx request context; fingerprint event fingerprint.
// Returns: none.
func (g *StoreGate) Forget(ctx context.Context, fingerprint string) {
	callCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := g.store.Delete(callCtx, storeKeyPrefix+fingerprint); err != nil {
		g.logger.Warn("dedup store delete failed",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)
	}
}
