package storage

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned when a key doesn't exist in the map
var ErrKeyNotFound = errors.New("key not found")

// ErrLockTimeout is returned when a key lock could not be acquired before the
// context expired
var ErrLockTimeout = errors.New("lock not acquired")

// NoExpiry passed as ttl to Put stores the entry without expiry even when the
// map has a default TTL.
const NoExpiry time.Duration = -1

// MapConfig configures a named map inside a Grid.
type MapConfig struct {
	// TTL is the default time-to-live for entries written with ttl 0.
	// Zero means entries never expire.
	TTL time.Duration

	// MaxSize bounds the number of live entries. Zero means unbounded.
	// When full, inserting a new key evicts the entry closest to expiry.
	MaxSize int
}

// Grid hands out named maps that are shared by every node connected to the
// same backend. Calling Map twice with the same name returns views of the
// same data; the configuration of the first call wins.
type Grid interface {
	Map(name string, cfg MapConfig) Map
	Close() error
}

// Map defines the cluster-wide key-value operations the credential store and
// the aggregators depend on.
// All implementations must be thread-safe for concurrent access
type Map interface {
	// Name returns the map name within its grid
	Name() string

	// Get retrieves a value by key
	// Returns ErrKeyNotFound if the key doesn't exist or has expired
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores a value with the given key, overwriting any existing value.
	// ttl 0 applies the map default, NoExpiry disables expiry for the entry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// PutIfAbsent stores the value only when the key has no live value.
	// Reports whether the value was stored.
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)

	// Remove deletes a key
	// No error if key doesn't exist
	Remove(ctx context.Context, key string) error

	// RemoveIfMatch atomically deletes the key only if its current value
	// equals expected. Reports whether the key was deleted.
	RemoveIfMatch(ctx context.Context, key string, expected []byte) (bool, error)

	// Keys returns all live keys in the map
	// Order is not guaranteed
	Keys(ctx context.Context) ([]string, error)

	// Size returns the number of live keys
	Size(ctx context.Context) (int, error)

	// Clear removes all entries
	Clear(ctx context.Context) error

	// Lock acquires an exclusive cluster-wide lock on key, waiting until ctx
	// is done. The returned function releases it.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// effectiveTTL resolves the ttl argument of Put against the map default.
func effectiveTTL(ttl, def time.Duration) time.Duration {
	switch {
	case ttl < 0:
		return 0
	case ttl == 0:
		return def
	default:
		return ttl
	}
}
