package pin

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"text/template"
	"time"

	"github.com/dreamware/sts/internal/sms"
	"github.com/dreamware/sts/internal/storage"
)

// Map names inside the grid
const (
	PinMap         = "pins"
	UsageMap       = "pin-usage"
	TrustedPinMap  = "trusted-pins"
	BindingMap     = "trusted-bindings"
	DeliveryLogMap = "sms-log"
)

// DefaultMessageTemplate is the SMS body used when none is configured
const DefaultMessageTemplate = "Your one-time PIN is {{.Pin}}. It is valid for {{.Minutes}} minutes."

// Escalator receives the security-relevant events of PIN consumption.
// Implementations must not block.
type Escalator interface {
	PinConsumed(ctx context.Context, phone string, uses int)
	IllegalAttempt(ctx context.Context, phone, submitted, stored string)
}

type noEscalation struct{}

func (noEscalation) PinConsumed(context.Context, string, int)               {}
func (noEscalation) IllegalAttempt(context.Context, string, string, string) {}

// Config tunes the repository
type Config struct {
	// TTL is the validity of an issued PIN
	TTL time.Duration

	// StoreTimeout bounds every single grid call
	StoreTimeout time.Duration

	// MessageTemplate renders the SMS body; fields are Pin, Phone and Minutes
	MessageTemplate string

	// SMSTag is passed to the gateway with every PIN message
	SMSTag string

	// DeliveryLogTTL is how long gateway responses and DLRs are kept
	DeliveryLogTTL time.Duration

	// MaxEntries bounds each PIN map; zero is unbounded
	MaxEntries int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		TTL:             DefaultTTL,
		StoreTimeout:    2 * time.Second,
		MessageTemplate: DefaultMessageTemplate,
		SMSTag:          "pincode",
		DeliveryLogTTL:  24 * time.Hour,
		MaxEntries:      100000,
	}
}

// Stats is a diagnostic snapshot of the credential store
type Stats struct {
	ActivePins         int `json:"active_pin_count"`
	PendingTrustedPins int `json:"pending_trusted_pin_count"`
	MaxUsageCount      int `json:"max_usage_count"`
}

// Repository owns PIN records, trusted-client handshakes and bindings.
// Exactly-once consumption rests on the grid's RemoveIfMatch primitive; the
// repository never takes a lock around a consumption.
type Repository struct {
	cfg      Config
	pins     storage.Map
	usage    storage.Map
	trusted  storage.Map
	logMap   storage.Map
	bindings BindingStore
	message  *template.Template
	logger   *slog.Logger

	sender    sms.Sender
	escalator Escalator
	generate  func() (string, error)
	now       func() time.Time
}

// NewRepository creates a repository on grid. bindings may be nil, in which
// case bindings are kept in the grid.
func NewRepository(grid storage.Grid, bindings BindingStore, cfg Config, logger *slog.Logger) (*Repository, error) {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.MessageTemplate == "" {
		cfg.MessageTemplate = def.MessageTemplate
	}
	if cfg.DeliveryLogTTL <= 0 {
		cfg.DeliveryLogTTL = def.DeliveryLogTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if bindings == nil {
		bindings = NewGridBindingStore(grid, BindingMap)
	}

	message, err := template.New("pin-message").Parse(cfg.MessageTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse pin message template: %w", err)
	}

	pinCfg := storage.MapConfig{TTL: cfg.TTL, MaxSize: cfg.MaxEntries}
	return &Repository{
		cfg:       cfg,
		pins:      grid.Map(PinMap, pinCfg),
		usage:     grid.Map(UsageMap, pinCfg),
		trusted:   grid.Map(TrustedPinMap, pinCfg),
		logMap:    grid.Map(DeliveryLogMap, storage.MapConfig{TTL: cfg.DeliveryLogTTL, MaxSize: cfg.MaxEntries}),
		bindings:  bindings,
		message:   message,
		logger:    logger.With("component", "pin"),
		escalator: noEscalation{},
		generate:  Generate,
		now:       time.Now,
	}, nil
}

// SetSender sets the SMS channel PINs are delivered over. Without a sender
// PINs are stored but not delivered.
func (r *Repository) SetSender(sender sms.Sender) { r.sender = sender }

// SetEscalator sets the receiver of consumption and illegal-attempt events
func (r *Repository) SetEscalator(e Escalator) {
	if e == nil {
		e = noEscalation{}
	}
	r.escalator = e
}

// SetPinGenerator replaces the random PIN source
func (r *Repository) SetPinGenerator(gen func() (string, error)) { r.generate = gen }

// SetClock replaces the time source used for issue times and expiry
func (r *Repository) SetClock(now func() time.Time) { r.now = now }

// TTL returns the configured PIN validity
func (r *Repository) TTL() time.Duration { return r.cfg.TTL }

func (r *Repository) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.StoreTimeout)
}

// IssuePin generates a PIN for phone, replaces any earlier PIN, resets the
// usage counter and sends the PIN by SMS.
func (r *Repository) IssuePin(ctx context.Context, phone string) (string, error) {
	pin, err := r.generate()
	if err != nil {
		return "", err
	}
	pin = Pad(pin)

	raw, err := json.Marshal(Record{Pin: pin, IssuedAt: r.now().UTC()})
	if err != nil {
		return "", err
	}
	if err := r.put(ctx, r.pins, phone, raw); err != nil {
		return "", fmt.Errorf("store pin: %w", err)
	}
	if err := r.put(ctx, r.usage, phone, []byte("0")); err != nil {
		return "", fmt.Errorf("reset usage counter: %w", err)
	}
	r.logger.Info("pin issued", "phone", phone)
	r.logger.Debug("pin value", "phone", phone, "pin", pin)

	if err := r.deliver(ctx, phone, pin); err != nil {
		r.withdraw(ctx, r.pins, phone, raw)
		return "", err
	}
	return pin, nil
}

// PeekPin returns the still-valid PIN for phone without consuming it.
// Expired records are removed on the way.
func (r *Repository) PeekPin(ctx context.Context, phone string) (string, bool, error) {
	raw, err := r.get(ctx, r.pins, phone)
	if err != nil || raw == nil {
		return "", false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		r.logger.Warn("dropping unreadable pin record", "phone", phone, "error", err)
		r.withdraw(ctx, r.pins, phone, raw)
		return "", false, nil
	}
	if expired(rec.IssuedAt, r.now(), r.cfg.TTL) {
		r.withdraw(ctx, r.pins, phone, raw)
		r.logger.Debug("removed expired pin on peek", "phone", phone)
		return "", false, nil
	}
	return rec.Pin, true, nil
}

// ConsumePin validates supplied against the PIN issued to phone and consumes
// it. Under concurrent submissions of the correct PIN exactly one caller gets
// Consumed. Denials are outcomes; only grid failures are errors.
func (r *Repository) ConsumePin(ctx context.Context, phone, supplied string) (Outcome, error) {
	if !wellFormed(supplied) {
		r.logger.Info("malformed pin rejected", "phone", phone)
		return Mismatch, nil
	}
	supplied = Pad(supplied)

	raw, err := r.get(ctx, r.pins, phone)
	if err != nil {
		return NotFound, err
	}
	if raw == nil {
		r.logger.Info("pin consumption denied", "phone", phone, "outcome", NotFound)
		return NotFound, nil
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		r.logger.Warn("dropping unreadable pin record", "phone", phone, "error", err)
		r.withdraw(ctx, r.pins, phone, raw)
		return NotFound, nil
	}

	if expired(rec.IssuedAt, r.now(), r.cfg.TTL) {
		// Conditional so a concurrent winner or a re-issue is left alone.
		r.withdraw(ctx, r.pins, phone, raw)
		r.removeUsage(ctx, phone)
		r.logger.Warn("pin expired", "phone", phone, "issued_at", rec.IssuedAt)
		return Expired, nil
	}

	if !pinsEqual(rec.Pin, supplied) {
		r.logger.Warn("illegal pin logon attempted", "phone", phone)
		r.escalator.IllegalAttempt(ctx, phone, supplied, rec.Pin)
		return Mismatch, nil
	}

	removed, err := r.removeIfMatch(ctx, r.pins, phone, raw)
	if err != nil {
		return NotFound, err
	}
	if !removed {
		r.logger.Info("pin consumption denied", "phone", phone, "outcome", AlreadyConsumed)
		return AlreadyConsumed, nil
	}

	uses := r.incrementUsage(ctx, phone, rec.IssuedAt)
	if err := r.remove(ctx, r.logMap, phone); err != nil {
		r.logger.Warn("failed to clear delivery log", "phone", phone, "error", err)
	}
	r.logger.Info("pin consumed", "phone", phone, "uses", uses)
	r.escalator.PinConsumed(ctx, phone, uses)
	return Consumed, nil
}

// IssueTrustedClientPin starts a trust handshake between clientID and phone
func (r *Repository) IssueTrustedClientPin(ctx context.Context, clientID, phone string) (string, error) {
	pin, err := r.generate()
	if err != nil {
		return "", err
	}
	pin = Pad(pin)

	raw, err := json.Marshal(TrustedClientRecord{Pin: pin, ClientID: clientID, IssuedAt: r.now().UTC()})
	if err != nil {
		return "", err
	}
	if err := r.put(ctx, r.trusted, phone, raw); err != nil {
		return "", fmt.Errorf("store trusted client pin: %w", err)
	}
	r.logger.Info("trusted client pin issued", "phone", phone, "client_id", clientID)
	r.logger.Debug("trusted client pin value", "phone", phone, "client_id", clientID, "pin", pin)

	if err := r.deliver(ctx, phone, pin); err != nil {
		r.withdraw(ctx, r.trusted, phone, raw)
		return "", err
	}
	return pin, nil
}

// ConsumeTrustedClientPin completes a trust handshake. Both the PIN and the
// client must match the pending record; on success clientID becomes the
// trusted client for phone.
func (r *Repository) ConsumeTrustedClientPin(ctx context.Context, clientID, phone, supplied string) (Outcome, error) {
	if !wellFormed(supplied) {
		r.logger.Info("malformed trusted client pin rejected", "phone", phone, "client_id", clientID)
		return Mismatch, nil
	}
	supplied = Pad(supplied)

	raw, err := r.get(ctx, r.trusted, phone)
	if err != nil {
		return NotFound, err
	}
	if raw == nil {
		r.logger.Info("trusted client pin denied", "phone", phone, "client_id", clientID, "outcome", NotFound)
		return NotFound, nil
	}

	var rec TrustedClientRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		r.logger.Warn("dropping unreadable trusted client record", "phone", phone, "error", err)
		r.withdraw(ctx, r.trusted, phone, raw)
		return NotFound, nil
	}

	if expired(rec.IssuedAt, r.now(), r.cfg.TTL) {
		r.withdraw(ctx, r.trusted, phone, raw)
		r.logger.Warn("trusted client pin expired", "phone", phone, "client_id", clientID)
		return Expired, nil
	}

	if rec.ClientID != clientID {
		r.logger.Warn("trusted client pin presented by another client", "phone", phone, "client_id", clientID)
		r.escalator.IllegalAttempt(ctx, phone, supplied, rec.Pin)
		return UntrustedClient, nil
	}
	if !pinsEqual(rec.Pin, supplied) {
		r.logger.Warn("illegal trusted client pin attempted", "phone", phone, "client_id", clientID)
		r.escalator.IllegalAttempt(ctx, phone, supplied, rec.Pin)
		return Mismatch, nil
	}

	removed, err := r.removeIfMatch(ctx, r.trusted, phone, raw)
	if err != nil {
		return NotFound, err
	}
	if !removed {
		return AlreadyConsumed, nil
	}

	bctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if err := r.bindings.Bind(bctx, phone, clientID); err != nil {
		return NotFound, err
	}
	r.logger.Info("registered trusted client", "phone", phone, "client_id", clientID)
	return Consumed, nil
}

// IsTrustedClientBound reports whether clientID is the trusted client for
// phone. Bindings never expire.
func (r *Repository) IsTrustedClientBound(ctx context.Context, clientID, phone string) (bool, error) {
	bctx, cancel := r.storeCtx(ctx)
	defer cancel()
	bound, ok, err := r.bindings.ClientFor(bctx, phone)
	if err != nil || !ok {
		return false, err
	}
	return bound == clientID, nil
}

// RecordDeliveryReport keeps the latest delivery report for phone for audit
func (r *Repository) RecordDeliveryReport(ctx context.Context, phone, report string) error {
	if report == "" {
		return nil
	}
	return r.put(ctx, r.logMap, phone, []byte(report))
}

// DeliveryLog returns the last gateway response or delivery report for phone
func (r *Repository) DeliveryLog(ctx context.Context, phone string) (string, bool, error) {
	raw, err := r.get(ctx, r.logMap, phone)
	if err != nil || raw == nil {
		return "", false, err
	}
	return string(raw), true, nil
}

// Stats returns a snapshot for health and diagnostics
func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error

	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	if s.ActivePins, err = r.pins.Size(sctx); err != nil {
		return Stats{}, fmt.Errorf("count pins: %w", err)
	}
	if s.PendingTrustedPins, err = r.trusted.Size(sctx); err != nil {
		return Stats{}, fmt.Errorf("count trusted pins: %w", err)
	}
	keys, err := r.usage.Keys(sctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list usage counters: %w", err)
	}
	for _, k := range keys {
		v, err := r.usage.Get(sctx, k)
		if err != nil {
			continue
		}
		if n, err := strconv.Atoi(string(v)); err == nil && n > s.MaxUsageCount {
			s.MaxUsageCount = n
		}
	}
	return s, nil
}

// deliver renders the message and hands it to the gateway
func (r *Repository) deliver(ctx context.Context, phone, pin string) error {
	if r.sender == nil {
		r.logger.Debug("no sms sender configured, pin not delivered", "phone", phone)
		return nil
	}

	var body bytes.Buffer
	data := struct {
		Pin     string
		Phone   string
		Minutes int
	}{Pin: pin, Phone: phone, Minutes: int(r.cfg.TTL / time.Minute)}
	if err := r.message.Execute(&body, data); err != nil {
		return fmt.Errorf("%w: render message: %v", ErrDeliveryFailed, err)
	}

	resp, err := r.sender.Send(ctx, phone, body.String(), r.cfg.SMSTag)
	if err != nil {
		r.logger.Error("pin sms not sent", "phone", phone, "error", err)
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	if audit, err := json.Marshal(resp); err == nil {
		if err := r.put(ctx, r.logMap, phone, audit); err != nil {
			r.logger.Warn("failed to record sms response", "phone", phone, "error", err)
		}
	}
	return nil
}

// incrementUsage bumps the usage counter of the PIN issued at issuedAt.
// Failures are logged; they never undo a consumption.
func (r *Repository) incrementUsage(ctx context.Context, phone string, issuedAt time.Time) int {
	uses := 0
	raw, err := r.get(ctx, r.usage, phone)
	if err != nil {
		r.logger.Warn("failed to read usage counter", "phone", phone, "error", err)
	} else if raw != nil {
		uses, _ = strconv.Atoi(string(raw))
	}
	uses++

	remaining := issuedAt.Add(r.cfg.TTL).Sub(r.now())
	if remaining < time.Second {
		remaining = time.Second
	}
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if err := r.usage.Put(sctx, phone, []byte(strconv.Itoa(uses)), remaining); err != nil {
		r.logger.Warn("failed to write usage counter", "phone", phone, "error", err)
	}
	return uses
}

func (r *Repository) removeUsage(ctx context.Context, phone string) {
	if err := r.remove(ctx, r.usage, phone); err != nil {
		r.logger.Warn("failed to remove usage counter", "phone", phone, "error", err)
	}
}

// withdraw conditionally removes a record, logging failures
func (r *Repository) withdraw(ctx context.Context, m storage.Map, phone string, raw []byte) {
	if _, err := r.removeIfMatch(ctx, m, phone, raw); err != nil {
		r.logger.Warn("failed to remove record", "map", m.Name(), "phone", phone, "error", err)
	}
}

// get returns nil, nil for a missing key
func (r *Repository) get(ctx context.Context, m storage.Map, key string) ([]byte, error) {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	v, err := m.Get(sctx, key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("grid read failed", "map", m.Name(), "error", err)
		return nil, err
	}
	return v, nil
}

func (r *Repository) put(ctx context.Context, m storage.Map, key string, value []byte) error {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if err := m.Put(sctx, key, value, 0); err != nil {
		r.logger.Error("grid write failed", "map", m.Name(), "error", err)
		return err
	}
	return nil
}

func (r *Repository) remove(ctx context.Context, m storage.Map, key string) error {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	return m.Remove(sctx, key)
}

func (r *Repository) removeIfMatch(ctx context.Context, m storage.Map, key string, expected []byte) (bool, error) {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	removed, err := m.RemoveIfMatch(sctx, key, expected)
	if err != nil {
		r.logger.Error("grid conditional remove failed", "map", m.Name(), "error", err)
		return false, err
	}
	return removed, nil
}

func pinsEqual(stored, supplied string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}
