package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one periodic aggregator tick
type Task func(ctx context.Context) error

// Scheduler runs the aggregator ticks. A tick still running when the next
// one is due is skipped, so each aggregator has at most one execution at a
// time; a panicking tick is logged and the schedule continues.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a stopped scheduler
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   c,
		logger: logger.With("component", "scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every registers task to run once per interval. Each run is bounded by the
// interval.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive, got %s", name, interval)
	}
	schedule := "@every " + interval.String()
	if _, err := s.cron.AddFunc(schedule, func() { s.run(name, interval, task) }); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.logger.Info("scheduled job", "job", name, "schedule", schedule)
	return nil
}

func (s *Scheduler) run(name string, timeout time.Duration, task Task) {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := task(ctx); err != nil {
		s.logger.Error("job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("job finished", "job", name, "duration", time.Since(start))
}

// Start begins running the registered jobs in the background
func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels running ticks and prevents new ones. The returned context
// is done once running jobs have returned.
func (s *Scheduler) Stop() context.Context {
	s.cancel()
	return s.cron.Stop()
}
