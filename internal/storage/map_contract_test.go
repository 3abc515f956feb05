package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapFactory builds a fresh map for one subtest
type mapFactory func(t *testing.T, cfg MapConfig) Map

// runMapContract verifies the behaviour every Map backend must share.
// Backend specific tests (expiry clocks, eviction) live next to each backend.
func runMapContract(t *testing.T, newMap mapFactory) {
	ctx := context.Background()

	t.Run("new map is empty", func(t *testing.T) {
		m := newMap(t, MapConfig{})

		keys, err := m.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)

		_, err = m.Get(ctx, "nonexistent")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("put and get values", func(t *testing.T) {
		m := newMap(t, MapConfig{})

		require.NoError(t, m.Put(ctx, "key1", []byte("value1"), 0))

		value, err := m.Get(ctx, "key1")
		require.NoError(t, err)
		assert.Equal(t, "value1", string(value))
	})

	t.Run("overwrite existing key", func(t *testing.T) {
		m := newMap(t, MapConfig{})

		require.NoError(t, m.Put(ctx, "key1", []byte("value1"), 0))
		require.NoError(t, m.Put(ctx, "key1", []byte("value2"), 0))

		value, err := m.Get(ctx, "key1")
		require.NoError(t, err)
		assert.Equal(t, "value2", string(value))
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		m := newMap(t, MapConfig{})

		require.NoError(t, m.Put(ctx, "key1", []byte("value1"), 0))
		require.NoError(t, m.Remove(ctx, "key1"))
		require.NoError(t, m.Remove(ctx, "key1"))

		_, err := m.Get(ctx, "key1")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("put if absent", func(t *testing.T) {
		m := newMap(t, MapConfig{})

		stored, err := m.PutIfAbsent(ctx, "counter", []byte("0"))
		require.NoError(t, err)
		assert.True(t, stored)

		stored, err = m.PutIfAbsent(ctx, "counter", []byte("5"))
		require.NoError(t, err)
		assert.False(t, stored)

		value, err := m.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, "0", string(value))
	})

	t.Run("remove if match only removes the expected value", func(t *testing.T) {
		m := newMap(t, MapConfig{})

		require.NoError(t, m.Put(ctx, "phone", []byte("1234:1"), 0))

		removed, err := m.RemoveIfMatch(ctx, "phone", []byte("9999:1"))
		require.NoError(t, err)
		assert.False(t, removed, "stale expectation must not delete")

		removed, err = m.RemoveIfMatch(ctx, "phone", []byte("1234:1"))
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = m.RemoveIfMatch(ctx, "phone", []byte("1234:1"))
		require.NoError(t, err)
		assert.False(t, removed, "second removal must lose")
	})

	t.Run("concurrent remove if match has one winner", func(t *testing.T) {
		m := newMap(t, MapConfig{})
		require.NoError(t, m.Put(ctx, "contested", []byte("v"), 0))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := m.RemoveIfMatch(ctx, "contested", []byte("v"))
				if err != nil {
					t.Errorf("RemoveIfMatch failed: %v", err)
					return
				}
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("keys size and clear", func(t *testing.T) {
		m := newMap(t, MapConfig{})

		for i := 0; i < 5; i++ {
			require.NoError(t, m.Put(ctx, fmt.Sprintf("key-%d", i), []byte("v"), 0))
		}

		size, err := m.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, size)

		keys, err := m.Keys(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"key-0", "key-1", "key-2", "key-3", "key-4"}, keys)

		require.NoError(t, m.Clear(ctx))
		size, err = m.Size(ctx)
		require.NoError(t, err)
		assert.Zero(t, size)
	})

	t.Run("lock excludes concurrent holders", func(t *testing.T) {
		m := newMap(t, MapConfig{})
		require.NoError(t, m.Put(ctx, "count", []byte("0"), 0))

		var inside atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				unlock, err := m.Lock(lockCtx, "count")
				if err != nil {
					t.Errorf("Lock failed: %v", err)
					return
				}
				defer unlock()
				if n := inside.Add(1); n != 1 {
					t.Errorf("expected exclusive holder, got %d", n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
			}()
		}
		wg.Wait()
	})

	t.Run("lock honours context deadline", func(t *testing.T) {
		m := newMap(t, MapConfig{})

		unlock, err := m.Lock(ctx, "busy")
		require.NoError(t, err)
		defer unlock()

		lockCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = m.Lock(lockCtx, "busy")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrLockTimeout))
	})
}
