package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// compareAndDeleteScript removes KEYS[1] only while it still holds ARGV[1].
// Used both for RemoveIfMatch and for releasing locks owned by a token.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

const (
	defaultLockLease = 10 * time.Second
	lockRetryDelay   = 10 * time.Millisecond
	scanBatch        = 256
)

// RedisGrid implements Grid on a redis deployment shared by all STS nodes.
// Every map is a key namespace "<prefix><map>:"; expiry uses redis PX TTLs
// and MaxSize is left to the server eviction policy.
type RedisGrid struct {
	client    redis.UniversalClient
	prefix    string
	lockLease time.Duration
	logger    *slog.Logger

	mu   sync.Mutex
	maps map[string]*RedisMap
}

// NewRedisGrid wraps an existing client. prefix namespaces every key so
// several environments can share one redis.
func NewRedisGrid(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisGrid {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisGrid{
		client:    client,
		prefix:    prefix,
		lockLease: defaultLockLease,
		logger:    logger,
		maps:      make(map[string]*RedisMap),
	}
}

// DialRedisGrid parses a redis URL, connects and pings the server.
func DialRedisGrid(ctx context.Context, url, prefix string, logger *slog.Logger) (*RedisGrid, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisGrid(client, prefix, logger), nil
}

// Client exposes the underlying client for components that need redis
// primitives beyond the Map abstraction, such as cluster membership.
func (g *RedisGrid) Client() redis.UniversalClient { return g.client }

// Prefix returns the key namespace of this grid
func (g *RedisGrid) Prefix() string { return g.prefix }

// Map returns the named map, creating the handle on first use
func (g *RedisGrid) Map(name string, cfg MapConfig) Map {
	g.mu.Lock()
	defer g.mu.Unlock()

	if m, ok := g.maps[name]; ok {
		return m
	}
	if cfg.MaxSize > 0 {
		g.logger.Debug("redis grid delegates max size to server eviction", "map", name, "max_size", cfg.MaxSize)
	}
	m := &RedisMap{
		grid:      g,
		name:      name,
		cfg:       cfg,
		keyPrefix: g.prefix + name + ":",
	}
	g.maps[name] = m
	return m
}

// Close closes the redis client
func (g *RedisGrid) Close() error { return g.client.Close() }

// RedisMap is a Map stored as plain redis keys under a common prefix.
type RedisMap struct {
	grid      *RedisGrid
	name      string
	cfg       MapConfig
	keyPrefix string
}

// Name returns the map name
func (m *RedisMap) Name() string { return m.name }

func (m *RedisMap) key(k string) string { return m.keyPrefix + k }

func (m *RedisMap) lockKey(k string) string { return m.grid.prefix + "lock:" + m.name + ":" + k }

// Get retrieves a value by key
func (m *RedisMap) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := m.grid.client.Get(ctx, m.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s/%s: %w", m.name, key, err)
	}
	return value, nil
}

// Put stores a value, applying the map default TTL when ttl is 0
func (m *RedisMap) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := m.grid.client.Set(ctx, m.key(key), value, effectiveTTL(ttl, m.cfg.TTL)).Err(); err != nil {
		return fmt.Errorf("redis set %s/%s: %w", m.name, key, err)
	}
	return nil
}

// PutIfAbsent stores the value with SET NX
func (m *RedisMap) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	ok, err := m.grid.client.SetNX(ctx, m.key(key), value, m.cfg.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s/%s: %w", m.name, key, err)
	}
	return ok, nil
}

// Remove deletes a key
func (m *RedisMap) Remove(ctx context.Context, key string) error {
	if err := m.grid.client.Del(ctx, m.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s/%s: %w", m.name, key, err)
	}
	return nil
}

// RemoveIfMatch runs the compare-and-delete script against the key
func (m *RedisMap) RemoveIfMatch(ctx context.Context, key string, expected []byte) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, m.grid.client, []string{m.key(key)}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s/%s: %w", m.name, key, err)
	}
	return n == 1, nil
}

// Keys scans the map namespace
func (m *RedisMap) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := m.grid.client.Scan(ctx, 0, m.keyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), m.keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", m.name, err)
	}
	return keys, nil
}

// Size counts the keys in the map namespace
func (m *RedisMap) Size(ctx context.Context) (int, error) {
	keys, err := m.Keys(ctx)
	return len(keys), err
}

// Clear deletes every key in the map namespace
func (m *RedisMap) Clear(ctx context.Context) error {
	keys, err := m.Keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = m.key(k)
	}
	if err := m.grid.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis clear %s: %w", m.name, err)
	}
	return nil
}

// Lock takes a leased lock with SET NX PX and polls until ctx is done.
// The lease bounds how long a crashed holder can block other nodes.
func (m *RedisMap) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := m.lockKey(key)
	token := uuid.NewString()

	for {
		ok, err := m.grid.client.SetNX(ctx, lockKey, token, m.grid.lockLease).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s/%s: %v", ErrLockTimeout, m.name, key, ctx.Err())
			}
			return nil, fmt.Errorf("redis lock %s/%s: %w", m.name, key, err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(lockRetryDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s/%s: %v", ErrLockTimeout, m.name, key, ctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := compareAndDeleteScript.Run(releaseCtx, m.grid.client, []string{lockKey}, token).Err(); err != nil {
				m.grid.logger.Error("failed to release grid lock", "map", m.name, "key", key, "error", err)
			}
		})
	}, nil
}
