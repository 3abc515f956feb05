package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRejectsBadInterval(t *testing.T) {
	s := NewScheduler(nil)
	assert.Error(t, s.Every("zero", 0, func(context.Context) error { return nil }))
	assert.Error(t, s.Every("negative", -time.Second, func(context.Context) error { return nil }))
}

func TestSchedulerRunsJobsAndSurvivesPanics(t *testing.T) {
	s := NewScheduler(nil)

	var runs, panics atomic.Int32
	require.NoError(t, s.Every("count", time.Second, func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		runs.Add(1)
		return nil
	}))
	require.NoError(t, s.Every("explode", time.Second, func(context.Context) error {
		panics.Add(1)
		panic("tick failed")
	}))

	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 2 && panics.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)

	select {
	case <-s.Stop().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerStopCancelsRunningJob(t *testing.T) {
	s := NewScheduler(nil)

	started := make(chan struct{}, 1)
	canceled := make(chan struct{}, 1)
	// @every fires after the first full interval, so drive the job directly
	go s.run("slow", time.Minute, func(ctx context.Context) error {
		started <- struct{}{}
		<-ctx.Done()
		canceled <- struct{}{}
		return ctx.Err()
	})
	<-started
	s.Start()
	<-s.Stop().Done()

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("running job was not canceled")
	}
}
