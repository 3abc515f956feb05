package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/sts/internal/notify"
	"github.com/dreamware/sts/internal/sms"
	"github.com/dreamware/sts/internal/storage"
)

// Grid map names and the counter key of the delivery monitor
const (
	SuccessCountMap = "sms-delivery-success"
	FailureMap      = "sms-delivery-failures"
	SuccessCountKey = "sms_success_count"
)

// digestLimit caps the failures enumerated in one alarm
const digestLimit = 10

// Leadership tells a node whether it is the single reporter of the cluster
type Leadership interface {
	IsLeader(ctx context.Context) bool
}

// DeliveryConfig tunes the delivery monitor
type DeliveryConfig struct {
	// Interval is the reporting period
	Interval time.Duration

	// ReportingEnabled opts this node in as the reporting node. A leader
	// that has not opted in stays silent.
	ReportingEnabled bool

	// InfoChannel receives success summaries
	InfoChannel string

	// NodeID is attached to every report
	NodeID string

	// LockTimeout bounds waiting for the success counter lock
	LockTimeout time.Duration

	// FailureTTL drops failure records nobody reported
	FailureTTL time.Duration
}

// Failure is one failed delivery waiting for the next report
type Failure struct {
	Recipient          string    `json:"recipient"`
	StatusCode         string    `json:"status_code"`
	DetailedStatusCode string    `json:"detailed_status_code"`
	TransactionID      string    `json:"transaction_id"`
	FailedAt           time.Time `json:"failed_at"`
}

// DeliveryStats is a snapshot for diagnostics
type DeliveryStats struct {
	SuccessCount    int64 `json:"success_count"`
	FailureCount    int   `json:"failure_count"`
	IsReportingNode bool  `json:"is_reporting_node"`
}

// DeliveryMonitor aggregates SMS delivery reports from every node and lets
// the reporting node publish one summary per interval.
type DeliveryMonitor struct {
	cfg       DeliveryConfig
	successes storage.Map
	failures  storage.Map
	leader    Leadership
	notifier  notify.Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// NewDeliveryMonitor creates a monitor on grid. notifier may be nil.
func NewDeliveryMonitor(grid storage.Grid, leader Leadership, notifier notify.Notifier, cfg DeliveryConfig, logger *slog.Logger) *DeliveryMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.InfoChannel == "" {
		cfg.InfoChannel = "info"
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = 24 * time.Hour
	}
	if notifier == nil {
		notifier = notify.NoOp{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryMonitor{
		cfg:       cfg,
		successes: grid.Map(SuccessCountMap, storage.MapConfig{}),
		failures:  grid.Map(FailureMap, storage.MapConfig{TTL: cfg.FailureTTL}),
		leader:    leader,
		notifier:  notifier,
		logger:    logger.With("component", "delivery-monitor"),
		now:       time.Now,
	}
}

// SetClock replaces the time source of failure records and reports
func (m *DeliveryMonitor) SetClock(now func() time.Time) { m.now = now }

// Record files a delivery report as a success or a failure
func (m *DeliveryMonitor) Record(ctx context.Context, report sms.DeliveryReport) error {
	if report.Successful() {
		return m.RecordSuccess(ctx, report)
	}
	return m.RecordFailure(ctx, report)
}

// RecordSuccess increments the cluster-wide success counter under its lock
func (m *DeliveryMonitor) RecordSuccess(ctx context.Context, _ sms.DeliveryReport) error {
	count, err := m.updateCounter(ctx, func(n int64) int64 { return n + 1 })
	if err != nil {
		return fmt.Errorf("record sms success: %w", err)
	}
	m.logger.Debug("recorded sms delivery", "success_count", count+1)
	return nil
}

// RecordFailure stores the failure for the next report. Unknown
// subscribers are dropped: they say nothing about gateway health.
func (m *DeliveryMonitor) RecordFailure(ctx context.Context, report sms.DeliveryReport) error {
	if report.UnknownSubscriber() {
		m.logger.Info("ignoring delivery failure for unknown subscriber", "recipient", report.Recipient)
		return nil
	}

	now := m.now().UTC()
	raw, err := json.Marshal(Failure{
		Recipient:          report.Recipient,
		StatusCode:         report.StatusCode,
		DetailedStatusCode: report.DetailedStatusCode,
		TransactionID:      report.TransactionID,
		FailedAt:           now,
	})
	if err != nil {
		return err
	}
	key := report.TransactionID + "_" + strconv.FormatInt(now.UnixMilli(), 10)
	if err := m.failures.Put(ctx, key, raw, 0); err != nil {
		return fmt.Errorf("record sms failure: %w", err)
	}
	m.logger.Debug("recorded sms delivery failure", "transaction_id", report.TransactionID)
	return nil
}

// Report is the periodic tick. Only the opted-in leader reports, and only
// when something happened since the previous report.
func (m *DeliveryMonitor) Report(ctx context.Context) error {
	if !m.cfg.ReportingEnabled {
		m.logger.Debug("reporting disabled on this node")
		return nil
	}
	if !m.leader.IsLeader(ctx) {
		m.logger.Debug("not the reporting node, skipping delivery report")
		return nil
	}
	return m.report(ctx)
}

func (m *DeliveryMonitor) report(ctx context.Context) error {
	active, err := m.hasActivity(ctx)
	if err != nil {
		return err
	}
	if !active {
		m.logger.Debug("no sms activity since last report")
		return nil
	}

	// Whatever was taken out of the grid is reported even when the other
	// half of the tick fails. A counter that could not be reset keeps its
	// value for the next tick.
	var errs []error
	failures, err := m.drainFailures(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("drain failures: %w", err))
	}
	successes, err := m.updateCounter(ctx, func(int64) int64 { return 0 })
	if err != nil {
		successes = 0
		errs = append(errs, fmt.Errorf("reset success counter: %w", err))
	}

	m.logger.Info("sms delivery report", "successes", successes, "failures", len(failures))
	if successes > 0 {
		m.reportSuccesses(ctx, successes)
	}
	if len(failures) > 0 {
		m.reportFailures(ctx, failures)
	}
	return errors.Join(errs...)
}

// Stop emits a last report when this node reports and activity is pending
func (m *DeliveryMonitor) Stop(ctx context.Context) {
	if !m.cfg.ReportingEnabled || !m.leader.IsLeader(ctx) {
		return
	}
	if err := m.report(ctx); err != nil {
		m.logger.Error("final delivery report failed", "error", err)
	}
}

// Stats returns the pending counters
func (m *DeliveryMonitor) Stats(ctx context.Context) (DeliveryStats, error) {
	successes, err := m.readCounter(ctx)
	if err != nil {
		return DeliveryStats{}, err
	}
	failures, err := m.failures.Size(ctx)
	if err != nil {
		return DeliveryStats{}, fmt.Errorf("count failures: %w", err)
	}
	return DeliveryStats{
		SuccessCount:    successes,
		FailureCount:    failures,
		IsReportingNode: m.cfg.ReportingEnabled && m.leader.IsLeader(ctx),
	}, nil
}

func (m *DeliveryMonitor) hasActivity(ctx context.Context) (bool, error) {
	successes, err := m.readCounter(ctx)
	if err != nil {
		return false, err
	}
	if successes > 0 {
		return true, nil
	}
	failures, err := m.failures.Size(ctx)
	if err != nil {
		return false, fmt.Errorf("count failures: %w", err)
	}
	return failures > 0, nil
}

func (m *DeliveryMonitor) readCounter(ctx context.Context) (int64, error) {
	raw, err := m.successes.Get(ctx, SuccessCountKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read success counter: %w", err)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		m.logger.Warn("unreadable success counter, treating as zero", "value", string(raw))
		return 0, nil
	}
	return n, nil
}

// updateCounter applies fn to the counter under the cluster-wide lock and
// returns the value it replaced
func (m *DeliveryMonitor) updateCounter(ctx context.Context, fn func(int64) int64) (int64, error) {
	lockCtx, cancel := context.WithTimeout(ctx, m.cfg.LockTimeout)
	defer cancel()
	unlock, err := m.successes.Lock(lockCtx, SuccessCountKey)
	if err != nil {
		return 0, err
	}
	defer unlock()

	current, err := m.readCounter(ctx)
	if err != nil {
		return 0, err
	}
	next := strconv.FormatInt(fn(current), 10)
	if err := m.successes.Put(ctx, SuccessCountKey, []byte(next), storage.NoExpiry); err != nil {
		return 0, fmt.Errorf("write success counter: %w", err)
	}
	return current, nil
}

// drainFailures takes every pending failure out of the grid. A record
// another node drained first is skipped.
func (m *DeliveryMonitor) drainFailures(ctx context.Context) ([]Failure, error) {
	keys, err := m.failures.Keys(ctx)
	if err != nil {
		return nil, err
	}
	failures := make([]Failure, 0, len(keys))
	for _, key := range keys {
		raw, err := m.failures.Get(ctx, key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return failures, err
		}
		removed, err := m.failures.RemoveIfMatch(ctx, key, raw)
		if err != nil {
			return failures, err
		}
		if !removed {
			continue
		}
		var f Failure
		if err := json.Unmarshal(raw, &f); err != nil {
			m.logger.Warn("dropping unreadable failure record", "key", key, "error", err)
			continue
		}
		failures = append(failures, f)
	}
	slices.SortFunc(failures, func(a, b Failure) int { return a.FailedAt.Compare(b.FailedAt) })
	return failures, nil
}

func (m *DeliveryMonitor) reportSuccesses(ctx context.Context, count int64) {
	if !m.notifier.Available() {
		m.logger.Debug("notifier unavailable, success summary not sent", "count", count)
		return
	}
	minutes := int(m.cfg.Interval / time.Minute)
	message := fmt.Sprintf("%d SMS delivered successfully in the last %d minutes (cluster-wide)", count, minutes)
	fields := map[string]any{
		"count":       count,
		"period":      fmt.Sprintf("%d minutes", minutes),
		"timestamp":   m.now().UTC().Format(time.RFC3339),
		"clusterNode": m.cfg.NodeID,
	}
	if err := m.notifier.SendInfo(ctx, m.cfg.InfoChannel, message, fields, true); err != nil {
		m.logger.Error("failed to send success summary", "error", err)
	}
}

func (m *DeliveryMonitor) reportFailures(ctx context.Context, failures []Failure) {
	if !m.notifier.Available() {
		m.logger.Error("notifier unavailable, sms delivery failures not reported", "count", len(failures))
		return
	}
	minutes := int(m.cfg.Interval / time.Minute)
	message := fmt.Sprintf("%d SMS delivery FAILED in the last %d minutes (cluster-wide)", len(failures), minutes)
	fields := map[string]any{
		"failureCount": len(failures),
		"period":       fmt.Sprintf("%d minutes", minutes),
		"timestamp":    m.now().UTC().Format(time.RFC3339),
		"clusterNode":  m.cfg.NodeID,
		"failures":     Digest(failures),
	}
	if err := m.notifier.SendAlarm(ctx, message, fields); err != nil {
		m.logger.Error("failed to send failure alarm", "error", err)
	}
}

// Digest lists up to ten failures, one per line, and counts the rest
func Digest(failures []Failure) string {
	if len(failures) == 0 {
		return "No details available"
	}
	var sb strings.Builder
	shown := min(len(failures), digestLimit)
	for _, f := range failures[:shown] {
		fmt.Fprintf(&sb, "\n  • %s - Code: %s/%s (TxID: %s) at %s",
			f.Recipient, f.StatusCode, f.DetailedStatusCode, f.TransactionID, f.FailedAt.Format(time.DateTime))
	}
	if rest := len(failures) - shown; rest > 0 {
		fmt.Fprintf(&sb, "\n  ... and %d more", rest)
	}
	return sb.String()
}
