package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMembershipConfig tunes heartbeat and liveness
type RedisMembershipConfig struct {
	// Prefix namespaces the membership keys
	Prefix string

	// Heartbeat is how often the local member refreshes its liveness key
	Heartbeat time.Duration

	// TTL is how long a member stays live without a heartbeat
	TTL time.Duration

	// MaxFailures consecutive heartbeat failures mark the local member as
	// not running until a heartbeat succeeds again
	MaxFailures int
}

// RedisMembership tracks cluster members in redis.
// Join order lives in a sorted set scored by join time; liveness is a
// per-member key that expires unless heartbeats keep refreshing it.
// Members whose liveness key is gone are pruned by whichever node notices.
type RedisMembership struct {
	client redis.UniversalClient
	cfg    RedisMembershipConfig
	logger *slog.Logger
	now    func() time.Time

	local   Member
	running atomic.Bool

	mu               sync.Mutex
	consecutiveFails int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisMembership creates a membership for the local node. Call Join
// before Start.
func NewRedisMembership(client redis.UniversalClient, id, addr string, cfg RedisMembershipConfig, logger *slog.Logger) *RedisMembership {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 5 * time.Second
	}
	if cfg.TTL <= cfg.Heartbeat {
		cfg.TTL = 3 * cfg.Heartbeat
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisMembership{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "membership", "node_id", id),
		now:    time.Now,
		local:  Member{ID: id, Addr: addr},
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetClock replaces the time source used for join times
func (m *RedisMembership) SetClock(now func() time.Time) { m.now = now }

func (m *RedisMembership) membersKey() string { return m.cfg.Prefix + "members" }

func (m *RedisMembership) aliveKey(id string) string { return m.cfg.Prefix + "member:" + id }

// Join registers the local member. A member that is already registered
// keeps its original join time.
func (m *RedisMembership) Join(ctx context.Context) error {
	joinedAt := m.now().UTC().Truncate(time.Microsecond)

	if err := m.client.ZAddNX(ctx, m.membersKey(), redis.Z{
		Score:  float64(joinedAt.UnixMicro()),
		Member: m.local.ID,
	}).Err(); err != nil {
		return fmt.Errorf("register member: %w", err)
	}
	score, err := m.client.ZScore(ctx, m.membersKey(), m.local.ID).Result()
	if err != nil {
		return fmt.Errorf("read join time: %w", err)
	}
	if err := m.client.Set(ctx, m.aliveKey(m.local.ID), m.local.Addr, m.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}

	m.local.JoinedAt = time.UnixMicro(int64(score)).UTC()
	m.running.Store(true)
	m.logger.Info("joined cluster", "addr", m.local.Addr, "joined_at", m.local.JoinedAt)
	return nil
}

// Leave deregisters the local member so the next oldest takes over at once
func (m *RedisMembership) Leave(ctx context.Context) error {
	m.running.Store(false)
	pipe := m.client.TxPipeline()
	pipe.ZRem(ctx, m.membersKey(), m.local.ID)
	pipe.Del(ctx, m.aliveKey(m.local.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("leave cluster: %w", err)
	}
	m.logger.Info("left cluster")
	return nil
}

// Start runs the heartbeat loop in the current goroutine until ctx is
// canceled or Stop is called.
//
// Example:
//
//	go membership.Start(ctx)
//	defer membership.Stop()
func (m *RedisMembership) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Heartbeat)
	defer ticker.Stop()

	m.logger.Info("membership heartbeat started", "interval", m.cfg.Heartbeat, "ttl", m.cfg.TTL)

	for {
		select {
		case <-ticker.C:
			m.beat(ctx)
		case <-ctx.Done():
			m.logger.Info("membership heartbeat stopping due to context cancellation")
			return
		case <-m.ctx.Done():
			m.logger.Info("membership heartbeat stopping due to internal cancellation")
			return
		}
	}
}

// Stop ends the heartbeat loop and waits for it to return.
// It does not deregister the member; call Leave for that.
func (m *RedisMembership) Stop() {
	m.cancel()
	m.wg.Wait()
}

// beat refreshes the local liveness key and prunes dead members
func (m *RedisMembership) beat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Heartbeat)
	defer cancel()

	err := m.heartbeat(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.consecutiveFails++
		m.logger.Warn("heartbeat failed", "attempt", m.consecutiveFails, "max", m.cfg.MaxFailures, "error", err)
		if m.consecutiveFails >= m.cfg.MaxFailures && m.running.Swap(false) {
			m.logger.Error("membership marked not running after repeated heartbeat failures", "failures", m.consecutiveFails)
		}
		return
	}

	if m.consecutiveFails >= m.cfg.MaxFailures {
		m.logger.Info("membership recovered")
	}
	m.consecutiveFails = 0
	m.running.Store(true)

	if pruned, err := m.prune(ctx); err != nil {
		m.logger.Warn("pruning dead members failed", "error", err)
	} else if pruned > 0 {
		m.logger.Info("pruned dead members", "count", pruned)
	}
}

func (m *RedisMembership) heartbeat(ctx context.Context) error {
	// Re-register in case another node pruned us during a long pause.
	if err := m.client.ZAddNX(ctx, m.membersKey(), redis.Z{
		Score:  float64(m.local.JoinedAt.UnixMicro()),
		Member: m.local.ID,
	}).Err(); err != nil {
		return err
	}
	return m.client.Set(ctx, m.aliveKey(m.local.ID), m.local.Addr, m.cfg.TTL).Err()
}

// prune removes members whose liveness key expired
func (m *RedisMembership) prune(ctx context.Context) (int, error) {
	_, dead, err := m.scan(ctx)
	if err != nil {
		return 0, err
	}
	if len(dead) == 0 {
		return 0, nil
	}
	ids := make([]any, len(dead))
	for i, id := range dead {
		ids[i] = id
	}
	n, err := m.client.ZRem(ctx, m.membersKey(), ids...).Result()
	return int(n), err
}

// Members returns the live members ordered by join time
func (m *RedisMembership) Members(ctx context.Context) ([]Member, error) {
	live, _, err := m.scan(ctx)
	return live, err
}

// scan splits the registered members into live and dead
func (m *RedisMembership) scan(ctx context.Context) ([]Member, []string, error) {
	entries, err := m.client.ZRangeWithScores(ctx, m.membersKey(), 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("list members: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil, nil
	}

	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = m.aliveKey(fmt.Sprint(e.Member))
	}
	addrs, err := m.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("read heartbeats: %w", err)
	}

	live := make([]Member, 0, len(entries))
	var dead []string
	for i, e := range entries {
		id := fmt.Sprint(e.Member)
		addr, ok := addrs[i].(string)
		if !ok {
			dead = append(dead, id)
			continue
		}
		live = append(live, Member{
			ID:       id,
			Addr:     addr,
			JoinedAt: time.UnixMicro(int64(e.Score)).UTC(),
		})
	}
	return live, dead, nil
}

// Local returns the local member
func (m *RedisMembership) Local() Member { return m.local }

// Running reports whether the local member is joined and heartbeating
func (m *RedisMembership) Running() bool { return m.running.Load() }
