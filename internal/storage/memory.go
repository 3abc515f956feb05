package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MemoryGrid implements Grid with in-process maps.
// It backs single-node deployments and tests; nothing is shared between
// processes.
type MemoryGrid struct {
	mu   sync.Mutex
	maps map[string]*MemoryMap
	now  func() time.Time
}

// NewMemoryGrid creates an empty in-process grid
func NewMemoryGrid() *MemoryGrid {
	return &MemoryGrid{
		maps: make(map[string]*MemoryMap),
		now:  time.Now,
	}
}

// SetClock replaces the time source used for expiry decisions.
// Maps created before the call keep using the previous clock.
func (g *MemoryGrid) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Map returns the named map, creating it with cfg on first use
func (g *MemoryGrid) Map(name string, cfg MapConfig) Map {
	return g.memoryMap(name, cfg)
}

func (g *MemoryGrid) memoryMap(name string, cfg MapConfig) *MemoryMap {
	g.mu.Lock()
	defer g.mu.Unlock()

	if m, ok := g.maps[name]; ok {
		return m
	}
	m := &MemoryMap{
		name:  name,
		cfg:   cfg,
		data:  make(map[string]memoryEntry),
		locks: make(map[string]chan struct{}),
		now:   g.now,
	}
	g.maps[name] = m
	return m
}

// Sweep removes expired entries from every map and returns how many were
// dropped.
func (g *MemoryGrid) Sweep() int {
	g.mu.Lock()
	maps := make([]*MemoryMap, 0, len(g.maps))
	for _, m := range g.maps {
		maps = append(maps, m)
	}
	g.mu.Unlock()

	removed := 0
	for _, m := range maps {
		removed += m.sweep()
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is canceled.
// Reads already treat expired entries as absent; the sweep only reclaims
// memory.
func (g *MemoryGrid) StartSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := g.Sweep(); n > 0 {
					logger.Debug("swept expired grid entries", "removed", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close is a no-op for the in-process grid
func (g *MemoryGrid) Close() error { return nil }

type memoryEntry struct {
	value      []byte
	insertedAt time.Time
	expiresAt  time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryMap implements Map with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryMap struct {
	name   string
	cfg    MapConfig
	mu     sync.RWMutex           // Protects data
	data   map[string]memoryEntry // Key-value storage
	lockMu sync.Mutex             // Protects locks
	locks  map[string]chan struct{}
	now    func() time.Time
}

// Name returns the map name
func (m *MemoryMap) Name() string { return m.name }

// Get retrieves a value by key
// Returns a copy of the value to prevent external modification
func (m *MemoryMap) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.data[key]
	if !exists || entry.expired(m.now()) {
		return nil, ErrKeyNotFound
	}

	// Return a copy to prevent external modification
	result := make([]byte, len(entry.value))
	copy(result, entry.value)
	return result, nil
}

// Put stores a value with the given key
// Makes a copy of the value to prevent external modification
func (m *MemoryMap) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.putLocked(key, value, ttl)
	return nil
}

// PutIfAbsent stores the value only when no live value exists for key
func (m *MemoryMap) PutIfAbsent(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.data[key]; exists && !entry.expired(m.now()) {
		return false, nil
	}
	m.putLocked(key, value, 0)
	return true, nil
}

func (m *MemoryMap) putLocked(key string, value []byte, ttl time.Duration) {
	now := m.now()
	if _, exists := m.data[key]; !exists && m.cfg.MaxSize > 0 && len(m.data) >= m.cfg.MaxSize {
		m.evictLocked(now)
	}

	// Make a copy to prevent external modification
	stored := make([]byte, len(value))
	copy(stored, value)

	entry := memoryEntry{value: stored, insertedAt: now}
	if d := effectiveTTL(ttl, m.cfg.TTL); d > 0 {
		entry.expiresAt = now.Add(d)
	}
	m.data[key] = entry
}

// evictLocked makes room for one entry: expired entries go first, then the
// entry closest to expiry, then the oldest insert.
func (m *MemoryMap) evictLocked(now time.Time) {
	for key, entry := range m.data {
		if entry.expired(now) {
			delete(m.data, key)
		}
	}
	if len(m.data) < m.cfg.MaxSize {
		return
	}

	var victim string
	var victimEntry memoryEntry
	found := false
	for key, entry := range m.data {
		if !found || evictsBefore(entry, victimEntry) {
			victim, victimEntry, found = key, entry, true
		}
	}
	if found {
		delete(m.data, victim)
	}
}

func evictsBefore(a, b memoryEntry) bool {
	switch {
	case !a.expiresAt.IsZero() && b.expiresAt.IsZero():
		return true
	case a.expiresAt.IsZero() && !b.expiresAt.IsZero():
		return false
	case !a.expiresAt.IsZero():
		return a.expiresAt.Before(b.expiresAt)
	default:
		return a.insertedAt.Before(b.insertedAt)
	}
}

// Remove deletes a key
// No error if key doesn't exist (idempotent)
func (m *MemoryMap) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// RemoveIfMatch deletes key only while it still holds expected
func (m *MemoryMap) RemoveIfMatch(_ context.Context, key string, expected []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.data[key]
	if !exists || entry.expired(m.now()) || !bytes.Equal(entry.value, expected) {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

// Keys returns all live keys in the map
func (m *MemoryMap) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	keys := make([]string, 0, len(m.data))
	for key, entry := range m.data {
		if !entry.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Size returns the number of live keys
func (m *MemoryMap) Size(ctx context.Context) (int, error) {
	keys, err := m.Keys(ctx)
	return len(keys), err
}

// Clear removes all entries
func (m *MemoryMap) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = make(map[string]memoryEntry)
	return nil
}

// Lock acquires the per-key lock, waiting until ctx is done
func (m *MemoryMap) Lock(ctx context.Context, key string) (func(), error) {
	m.lockMu.Lock()
	sem, ok := m.locks[key]
	if !ok {
		sem = make(chan struct{}, 1)
		m.locks[key] = sem
	}
	m.lockMu.Unlock()

	select {
	case sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-sem }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrLockTimeout, m.name, key, ctx.Err())
	}
}

func (m *MemoryMap) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, entry := range m.data {
		if entry.expired(now) {
			delete(m.data, key)
			removed++
		}
	}
	return removed
}
