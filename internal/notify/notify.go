// Package notify delivers operational notifications (alarms and info
// messages) to the team running STS. Backends are a Slack webhook, a
// RabbitMQ topic exchange, or nothing at all.
//
// Notifications are never critical. Callers check Available before building
// a message and log, rather than propagate, any error a send returns.
package notify

import (
	"context"
	"sort"
	"time"
)

// Notifier is the operational notification channel
type Notifier interface {
	// Available reports whether sends can reach anyone
	Available() bool

	// SendAlarm raises a critical notification on the alarm channel
	SendAlarm(ctx context.Context, message string, fields map[string]any) error

	// SendInfo posts to a named channel. success selects a success framing
	// instead of a neutral one.
	SendInfo(ctx context.Context, channel, message string, fields map[string]any, success bool) error
}

// Kind tells alarms from info messages
type Kind string

const (
	KindAlarm   Kind = "alarm"
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
)

// Notification is the backend-neutral form of one message
type Notification struct {
	Kind    Kind           `json:"kind"`
	Channel string         `json:"channel,omitempty"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	Source  string         `json:"source,omitempty"`
	SentAt  time.Time      `json:"sent_at"`
}

func infoKind(success bool) Kind {
	if success {
		return KindSuccess
	}
	return KindInfo
}

// sortedKeys returns the field names in stable order
func sortedKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NoOp discards everything and reports itself unavailable
type NoOp struct{}

func (NoOp) Available() bool { return false }

func (NoOp) SendAlarm(context.Context, string, map[string]any) error { return nil }

func (NoOp) SendInfo(context.Context, string, string, map[string]any, bool) error { return nil }
