// Package escalation turns PIN consumption events into alerts: an SMS to the
// phone's owner when their PIN is used, and an alarm to the operations
// channel when someone guesses wrong.
//
// Every dispatch runs in its own goroutine with its own timeout. Nothing
// here can fail or delay the authentication that triggered it.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/dreamware/sts/internal/notify"
	"github.com/dreamware/sts/internal/sms"
)

// DefaultTemplate is the usage alert sent to the phone owner
const DefaultTemplate = "Your PIN for {{.Phone}} has been used {{.Count}} time(s). If this was not you, contact support."

// Config tunes the engine
type Config struct {
	// Enabled turns usage alerts on. Illegal-attempt alarms are always sent
	// when a notifier is available.
	Enabled bool

	// Threshold is the number of uses tolerated silently; an alert goes out
	// when uses exceed it. Zero alerts on every use.
	Threshold int

	// Template renders the usage alert; fields are Phone and Count
	Template string

	// SMSTag is passed to the gateway with usage alerts
	SMSTag string

	// Timeout bounds each dispatch
	Timeout time.Duration
}

// Engine dispatches security alerts asynchronously
type Engine struct {
	cfg      Config
	tmpl     *template.Template
	sender   sms.Sender
	notifier notify.Notifier
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// New creates an engine. sender and notifier may be nil.
func New(cfg Config, sender sms.Sender, notifier notify.Notifier, logger *slog.Logger) (*Engine, error) {
	if cfg.Template == "" {
		cfg.Template = DefaultTemplate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SMSTag == "" {
		cfg.SMSTag = "security"
	}
	if notifier == nil {
		notifier = notify.NoOp{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	tmpl, err := template.New("usage-alert").Parse(cfg.Template)
	if err != nil {
		return nil, fmt.Errorf("parse usage alert template: %w", err)
	}
	return &Engine{
		cfg:      cfg,
		tmpl:     tmpl,
		sender:   sender,
		notifier: notifier,
		logger:   logger.With("component", "escalation"),
	}, nil
}

// ShouldAlert reports whether uses crosses the configured threshold
func (e *Engine) ShouldAlert(uses int) bool {
	return e.cfg.Enabled && uses > e.cfg.Threshold
}

// PinConsumed warns the phone owner by SMS when the usage threshold is met
func (e *Engine) PinConsumed(ctx context.Context, phone string, uses int) {
	if !e.ShouldAlert(uses) {
		return
	}
	if e.sender == nil {
		e.logger.Warn("usage alert due but no sms sender configured", "phone", phone, "uses", uses)
		return
	}

	var msg strings.Builder
	if err := e.tmpl.Execute(&msg, struct {
		Phone string
		Count int
	}{Phone: phone, Count: uses}); err != nil {
		e.logger.Error("failed to render usage alert", "phone", phone, "error", err)
		return
	}

	e.dispatch(ctx, "usage alert", phone, func(ctx context.Context) error {
		_, err := e.sender.Send(ctx, phone, msg.String(), e.cfg.SMSTag)
		return err
	})
}

// IllegalAttempt raises a forensic alarm on the operations channel
func (e *Engine) IllegalAttempt(ctx context.Context, phone, submitted, stored string) {
	if !e.notifier.Available() {
		e.logger.Warn("illegal pin attempt not forwarded, notifier unavailable", "phone", phone)
		return
	}
	fields := map[string]any{
		"phone":         phone,
		"submitted_pin": submitted,
		"stored_pin":    stored,
	}
	e.dispatch(ctx, "illegal attempt alarm", phone, func(ctx context.Context) error {
		return e.notifier.SendAlarm(ctx, "Illegal pin logon attempted.", fields)
	})
}

// Wait blocks until every dispatch started so far has finished
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) dispatch(ctx context.Context, what, phone string, send func(context.Context) error) {
	// Detached from the request: the alert must outlive the response.
	base := context.WithoutCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("panic in "+what, "phone", phone, "panic", r)
			}
		}()

		dctx, cancel := context.WithTimeout(base, e.cfg.Timeout)
		defer cancel()
		if err := send(dctx); err != nil {
			e.logger.Error(what+" not sent", "phone", phone, "error", err)
			return
		}
		e.logger.Info(what+" sent", "phone", phone)
	}()
}
