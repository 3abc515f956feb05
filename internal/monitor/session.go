package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dreamware/sts/internal/notify"
)

// Sizer reports the number of active sessions in the cluster
type Sizer interface {
	Size(ctx context.Context) (int, error)
}

// SessionConfig tunes the session monitor
type SessionConfig struct {
	// Interval is the check period
	Interval time.Duration

	// ReportThreshold is how long the size must stay put before a stability
	// notice; notices repeat on every multiple of it
	ReportThreshold time.Duration

	// SizeChangeThreshold is the smallest delta reported as a change
	SizeChangeThreshold int

	// NotificationsEnabled turns reporting on
	NotificationsEnabled bool

	// Channel receives the notices
	Channel string
}

// SessionMonitor watches the size of the session map from the leader
type SessionMonitor struct {
	cfg      SessionConfig
	sessions Sizer
	leader   Leadership
	notifier notify.Notifier
	logger   *slog.Logger

	mu        sync.Mutex
	current   int
	previous  int
	unchanged int
}

// NewSessionMonitor creates a monitor over sessions. notifier may be nil.
func NewSessionMonitor(sessions Sizer, leader Leadership, notifier notify.Notifier, cfg SessionConfig, logger *slog.Logger) *SessionMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.ReportThreshold <= 0 {
		cfg.ReportThreshold = 15 * time.Minute
	}
	if cfg.SizeChangeThreshold <= 0 {
		cfg.SizeChangeThreshold = 1
	}
	if cfg.Channel == "" {
		cfg.Channel = "info"
	}
	if notifier == nil {
		notifier = notify.NoOp{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionMonitor{
		cfg:      cfg,
		sessions: sessions,
		leader:   leader,
		notifier: notifier,
		logger:   logger.With("component", "session-monitor"),
	}
}

// Prime records the starting size so the first check compares against it
func (m *SessionMonitor) Prime(ctx context.Context) error {
	size, err := m.sessions.Size(ctx)
	if err != nil {
		return fmt.Errorf("read session count: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current, m.previous = size, size
	return nil
}

// Check is the periodic tick, a no-op outside the leader
func (m *SessionMonitor) Check(ctx context.Context) error {
	if !m.leader.IsLeader(ctx) {
		m.logger.Debug("not the leader, skipping session size check")
		return nil
	}

	size, err := m.sessions.Size(ctx)
	if err != nil {
		return fmt.Errorf("read session count: %w", err)
	}

	m.mu.Lock()
	old := m.current
	diff := size - old
	m.current = size
	changed := abs(diff) >= m.cfg.SizeChangeThreshold
	var stableFor time.Duration
	if changed {
		m.unchanged = 0
		m.previous = old
	} else {
		m.unchanged++
		stableFor = time.Duration(m.unchanged) * m.cfg.Interval
	}
	m.mu.Unlock()

	m.logger.Debug("session size check", "previous", old, "current", size, "difference", diff)
	switch {
	case changed:
		m.reportChange(ctx, old, size, diff)
	case stableFor >= m.cfg.ReportThreshold && stableFor%m.cfg.ReportThreshold == 0:
		m.reportStable(ctx, size, stableFor)
	}
	return nil
}

// Sizes returns the last observed size and the size before the last change
func (m *SessionMonitor) Sizes() (current, previous int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.previous
}

func (m *SessionMonitor) reportChange(ctx context.Context, old, size, diff int) {
	if !m.canNotify() {
		m.logger.Debug("session size changed, notice not sent", "previous", old, "current", size)
		return
	}
	pct := PercentChange(old, size)
	fields := map[string]any{
		"previousSize":     old,
		"currentSize":      size,
		"difference":       diff,
		"changePercentage": pct,
	}
	var message string
	if diff > 0 {
		message = fmt.Sprintf("Active user sessions increased by %d (%.1f%%)", diff, pct)
	} else {
		message = fmt.Sprintf("Active user sessions decreased by %d (%.1f%%)", -diff, math.Abs(pct))
	}
	if err := m.notifier.SendInfo(ctx, m.cfg.Channel, message, fields, diff > 0); err != nil {
		m.logger.Error("failed to send session size change", "error", err)
	}
}

func (m *SessionMonitor) reportStable(ctx context.Context, size int, stableFor time.Duration) {
	minutes := int(stableFor / time.Minute)
	if !m.canNotify() {
		m.logger.Debug("session size stable, notice not sent", "size", size, "minutes", minutes)
		return
	}
	message := fmt.Sprintf("Active user sessions stable at %d for the last %d minutes", size, minutes)
	fields := map[string]any{
		"currentSize":            size,
		"minutesSinceLastChange": minutes,
		"checkIntervalMinutes":   int(m.cfg.Interval / time.Minute),
	}
	if err := m.notifier.SendInfo(ctx, m.cfg.Channel, message, fields, false); err != nil {
		m.logger.Error("failed to send session stability notice", "error", err)
	}
}

func (m *SessionMonitor) canNotify() bool {
	return m.cfg.NotificationsEnabled && m.notifier.Available()
}

// PercentChange is the relative change from old to size; growth from zero
// counts as 100%
func PercentChange(old, size int) float64 {
	if old == 0 {
		if size > 0 {
			return 100
		}
		return 0
	}
	return float64(size-old) / float64(old) * 100
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
