package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/sts/internal/notify"
	"github.com/dreamware/sts/internal/notify/notifytest"
)

type fakeSizer struct {
	mu   sync.Mutex
	size int
	err  error
}

func (f *fakeSizer) Size(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size, f.err
}

func (f *fakeSizer) set(size int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.size = size
}

func newSessionMonitor(t *testing.T, sizer Sizer, leader Leadership, n notify.Notifier) *SessionMonitor {
	t.Helper()
	cfg := SessionConfig{
		Interval:             5 * time.Minute,
		ReportThreshold:      15 * time.Minute,
		SizeChangeThreshold:  1,
		NotificationsEnabled: true,
	}
	return NewSessionMonitor(sizer, leader, n, cfg, nil)
}

func TestSessionMonitorReportsChanges(t *testing.T) {
	ctx := context.Background()
	sizer := &fakeSizer{size: 10}
	rec := notifytest.NewRecorder()
	m := newSessionMonitor(t, sizer, newFakeLeader(true), rec)
	require.NoError(t, m.Prime(ctx))

	sizer.set(12)
	require.NoError(t, m.Check(ctx))
	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Active user sessions increased by 2 (20.0%)", sent[0].Message)
	assert.Equal(t, notify.KindSuccess, sent[0].Kind)
	assert.Equal(t, "info", sent[0].Channel)
	assert.Equal(t, 10, sent[0].Fields["previousSize"])
	assert.Equal(t, 12, sent[0].Fields["currentSize"])
	assert.Equal(t, 2, sent[0].Fields["difference"])

	rec.Reset()
	sizer.set(9)
	require.NoError(t, m.Check(ctx))
	sent = rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Active user sessions decreased by 3 (25.0%)", sent[0].Message)
	assert.Equal(t, notify.KindInfo, sent[0].Kind)

	current, previous := m.Sizes()
	assert.Equal(t, 9, current)
	assert.Equal(t, 12, previous)
}

func TestSessionMonitorStabilityNoticeOnMultiples(t *testing.T) {
	ctx := context.Background()
	sizer := &fakeSizer{size: 4}
	rec := notifytest.NewRecorder()
	m := newSessionMonitor(t, sizer, newFakeLeader(true), rec)
	require.NoError(t, m.Prime(ctx))

	// interval 5m, threshold 15m: notices after the 3rd and 6th quiet tick
	var noticesAfter []int
	for tick := 1; tick <= 7; tick++ {
		before := len(rec.Sent())
		require.NoError(t, m.Check(ctx))
		if len(rec.Sent()) > before {
			noticesAfter = append(noticesAfter, tick)
		}
	}
	assert.Equal(t, []int{3, 6}, noticesAfter)

	sent := rec.Sent()
	assert.Equal(t, "Active user sessions stable at 4 for the last 15 minutes", sent[0].Message)
	assert.Equal(t, "Active user sessions stable at 4 for the last 30 minutes", sent[1].Message)
	assert.Equal(t, notify.KindInfo, sent[0].Kind)
}

func TestSessionMonitorChangeResetsQuietCounter(t *testing.T) {
	ctx := context.Background()
	sizer := &fakeSizer{size: 4}
	rec := notifytest.NewRecorder()
	m := newSessionMonitor(t, sizer, newFakeLeader(true), rec)
	require.NoError(t, m.Prime(ctx))

	require.NoError(t, m.Check(ctx))
	require.NoError(t, m.Check(ctx))
	sizer.set(5)
	require.NoError(t, m.Check(ctx))
	require.NoError(t, m.Check(ctx))
	require.NoError(t, m.Check(ctx))
	assert.Zero(t, rec.Count(notify.KindInfo))
	assert.Equal(t, 1, rec.Count(notify.KindSuccess))

	require.NoError(t, m.Check(ctx))
	assert.Equal(t, 1, rec.Count(notify.KindInfo))
}

func TestSessionMonitorThreshold(t *testing.T) {
	ctx := context.Background()
	sizer := &fakeSizer{size: 100}
	rec := notifytest.NewRecorder()
	m := NewSessionMonitor(sizer, newFakeLeader(true), rec, SessionConfig{
		Interval:             time.Minute,
		ReportThreshold:      time.Hour,
		SizeChangeThreshold:  5,
		NotificationsEnabled: true,
	}, nil)
	require.NoError(t, m.Prime(ctx))

	sizer.set(104)
	require.NoError(t, m.Check(ctx))
	assert.Empty(t, rec.Sent())

	sizer.set(99)
	require.NoError(t, m.Check(ctx))
	assert.Len(t, rec.Sent(), 1)
}

func TestSessionMonitorOnlyOnLeader(t *testing.T) {
	ctx := context.Background()
	sizer := &fakeSizer{size: 1}
	rec := notifytest.NewRecorder()
	m := newSessionMonitor(t, sizer, newFakeLeader(false), rec)
	require.NoError(t, m.Prime(ctx))

	sizer.set(50)
	require.NoError(t, m.Check(ctx))
	assert.Empty(t, rec.Sent())
	current, _ := m.Sizes()
	assert.Equal(t, 1, current)
}

func TestSessionMonitorNotificationsOff(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled in config", func(t *testing.T) {
		sizer := &fakeSizer{}
		rec := notifytest.NewRecorder()
		m := NewSessionMonitor(sizer, newFakeLeader(true), rec, SessionConfig{Interval: 5 * time.Minute}, nil)
		sizer.set(3)
		require.NoError(t, m.Check(ctx))
		assert.Empty(t, rec.Sent())
		current, _ := m.Sizes()
		assert.Equal(t, 3, current)
	})

	t.Run("notifier unavailable", func(t *testing.T) {
		sizer := &fakeSizer{}
		rec := notifytest.NewRecorder()
		rec.SetAvailable(false)
		m := newSessionMonitor(t, sizer, newFakeLeader(true), rec)
		sizer.set(3)
		require.NoError(t, m.Check(ctx))
		assert.Empty(t, rec.Sent())
	})

	t.Run("send fails", func(t *testing.T) {
		sizer := &fakeSizer{}
		rec := notifytest.NewRecorder()
		rec.FailWith(errors.New("webhook down"))
		m := newSessionMonitor(t, sizer, newFakeLeader(true), rec)
		sizer.set(3)
		assert.NoError(t, m.Check(ctx))
	})
}

func TestSessionMonitorSizeError(t *testing.T) {
	sizer := &fakeSizer{err: errors.New("grid unavailable")}
	m := newSessionMonitor(t, sizer, newFakeLeader(true), notifytest.NewRecorder())
	assert.Error(t, m.Check(context.Background()))
	assert.Error(t, m.Prime(context.Background()))
}

func TestPercentChange(t *testing.T) {
	tests := []struct {
		old, size int
		want      float64
	}{
		{0, 0, 0},
		{0, 7, 100},
		{10, 12, 20},
		{12, 9, -25},
		{4, 4, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, PercentChange(tt.old, tt.size), 0.0001, "%d -> %d", tt.old, tt.size)
	}
}
