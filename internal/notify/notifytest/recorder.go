// Package notifytest provides an in-memory notifier for tests
package notifytest

import (
	"context"
	"sync"
	"time"

	"github.com/dreamware/sts/internal/notify"
)

// Recorder keeps every notification in memory
type Recorder struct {
	mu    sync.Mutex
	sent  []notify.Notification
	err   error
	avail bool
}

var _ notify.Notifier = (*Recorder)(nil)

// NewRecorder creates an available recorder
func NewRecorder() *Recorder { return &Recorder{avail: true} }

// SetAvailable toggles Available
func (r *Recorder) SetAvailable(available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.avail = available
}

// FailWith makes every following send record nothing and return err
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.avail
}

func (r *Recorder) SendAlarm(_ context.Context, message string, fields map[string]any) error {
	return r.record(notify.Notification{Kind: notify.KindAlarm, Message: message, Fields: fields, SentAt: time.Now()})
}

func (r *Recorder) SendInfo(_ context.Context, channel, message string, fields map[string]any, success bool) error {
	kind := notify.KindInfo
	if success {
		kind = notify.KindSuccess
	}
	return r.record(notify.Notification{Kind: kind, Channel: channel, Message: message, Fields: fields, SentAt: time.Now()})
}

func (r *Recorder) record(n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of everything recorded so far
func (r *Recorder) Sent() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

// Count returns how many notifications of kind were recorded
func (r *Recorder) Count(kind notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// Reset forgets recorded notifications
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
