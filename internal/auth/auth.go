// Package auth turns a proven possession factor (a PIN, a trusted client
// binding or the shared STS secret) into a user session.
//
// Every logon follows the same path: prove the factor, find the directory
// user behind the phone number, fetch the user aggregate and register a
// session with a reduced security level. Any failure along the way is
// ErrAuthenticationFailed; directory trouble also raises an operational
// alarm.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dreamware/sts/internal/directory"
	"github.com/dreamware/sts/internal/notify"
	"github.com/dreamware/sts/internal/pin"
	"github.com/dreamware/sts/internal/session"
)

// ErrAuthenticationFailed is the single error callers see for a denied
// logon, whatever check failed
var ErrAuthenticationFailed = errors.New("authentication failed")

// Session sources
const (
	SourcePin           = "pin"
	SourceTrustedClient = "trusted-client"
	SourceSharedSecret  = "shared-secret"
)

// PinStore is the credential store as seen by logons
type PinStore interface {
	ConsumePin(ctx context.Context, phone, supplied string) (pin.Outcome, error)
	ConsumeTrustedClientPin(ctx context.Context, clientID, phone, supplied string) (pin.Outcome, error)
	IsTrustedClientBound(ctx context.Context, clientID, phone string) (bool, error)
}

// Directory is the user directory as seen by logons
type Directory interface {
	ListUsers(ctx context.Context, query string) ([]directory.User, error)
	GetUserAggregate(ctx context.Context, uid string) (directory.Aggregate, error)
	UserExists(ctx context.Context, query string) (bool, error)
	CreatePinUser(ctx context.Context, userJSON []byte) (directory.Aggregate, error)
}

// Sessions is where logons register sessions
type Sessions interface {
	Add(ctx context.Context, token session.UserToken, lifespan time.Duration) (session.UserToken, error)
	GetByUserName(ctx context.Context, username string) (session.UserToken, bool, error)
}

// PinLogon is a logon with a one-time PIN
type PinLogon struct {
	ApplicationID string
	Phone         string
	Pin           string
	// Lifespan of the session; zero uses the session default
	Lifespan time.Duration
}

// TrustedLogon is a logon without a PIN, vouched for by a bound client or
// the shared secret
type TrustedLogon struct {
	ApplicationID string
	ClientID      string
	Phone         string
	Lifespan      time.Duration
}

// Config tunes the authenticator
type Config struct {
	// ListAttempts bounds the directory user search, which may lag behind
	// a user created moments ago
	ListAttempts int

	// ListBackoff is the pause between search attempts
	ListBackoff time.Duration

	// SharedSecret enables LogonWithSharedSecret when set
	SharedSecret string
}

// Authenticator orchestrates logons
type Authenticator struct {
	cfg      Config
	pins     PinStore
	dir      Directory
	sessions Sessions
	notifier notify.Notifier
	logger   *slog.Logger
}

// New creates an authenticator. notifier may be nil.
func New(pins PinStore, dir Directory, sessions Sessions, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Authenticator {
	if cfg.ListAttempts <= 0 {
		cfg.ListAttempts = 5
	}
	if cfg.ListBackoff <= 0 {
		cfg.ListBackoff = 100 * time.Millisecond
	}
	if notifier == nil {
		notifier = notify.NoOp{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		cfg:      cfg,
		pins:     pins,
		dir:      dir,
		sessions: sessions,
		notifier: notifier,
		logger:   logger.With("component", "auth"),
	}
}

// LogonPinUser consumes the PIN of the logon and opens a session for the
// directory user behind the phone number
func (a *Authenticator) LogonPinUser(ctx context.Context, logon PinLogon) (session.UserToken, error) {
	outcome, err := a.pins.ConsumePin(ctx, logon.Phone, logon.Pin)
	if err := a.checkOutcome(outcome, err, "pin logon", logon.Phone); err != nil {
		return session.UserToken{}, err
	}
	return a.logon(ctx, "LogonPinUser", logon.ApplicationID, logon.Phone, logon.Lifespan, session.LevelPossession, SourcePin)
}

// LogonPinUserForTrustedClient completes a trusted client handshake and
// opens a session in the same step
func (a *Authenticator) LogonPinUserForTrustedClient(ctx context.Context, logon PinLogon, clientID string) (session.UserToken, error) {
	outcome, err := a.pins.ConsumeTrustedClientPin(ctx, clientID, logon.Phone, logon.Pin)
	if err := a.checkOutcome(outcome, err, "trusted client pin logon", logon.Phone); err != nil {
		return session.UserToken{}, err
	}
	return a.logon(ctx, "LogonPinUserForTrustedClient", logon.ApplicationID, logon.Phone, logon.Lifespan, session.LevelPossession, SourceTrustedClient)
}

// LogonWithTrustedClient opens a session for a client already bound to the
// phone number
func (a *Authenticator) LogonWithTrustedClient(ctx context.Context, logon TrustedLogon) (session.UserToken, error) {
	bound, err := a.pins.IsTrustedClientBound(ctx, logon.ClientID, logon.Phone)
	if err != nil {
		a.logger.Error("trusted client lookup failed", "phone", logon.Phone, "error", err)
		return session.UserToken{}, fmt.Errorf("%w: trusted client lookup: %v", ErrAuthenticationFailed, err)
	}
	if !bound {
		a.logger.Warn("logon from untrusted client", "phone", logon.Phone, "client_id", logon.ClientID)
		return session.UserToken{}, fmt.Errorf("%w: client not trusted", ErrAuthenticationFailed)
	}
	return a.logon(ctx, "LogonWithTrustedClient", logon.ApplicationID, logon.Phone, logon.Lifespan, session.LevelPossession, SourceTrustedClient)
}

// LogonWithSharedSecret opens a session for an application holding the
// shared STS secret
func (a *Authenticator) LogonWithSharedSecret(ctx context.Context, logon TrustedLogon, secret string) (session.UserToken, error) {
	if a.cfg.SharedSecret == "" || subtle.ConstantTimeCompare([]byte(a.cfg.SharedSecret), []byte(secret)) != 1 {
		a.logger.Warn("shared secret logon refused", "phone", logon.Phone, "application_id", logon.ApplicationID)
		return session.UserToken{}, fmt.Errorf("%w: shared secret", ErrAuthenticationFailed)
	}
	return a.logon(ctx, "LogonWithSharedSecret", logon.ApplicationID, logon.Phone, logon.Lifespan, session.LevelSharedSecret, SourceSharedSecret)
}

// CreateAndLogonPinUser consumes the PIN and logs the phone in, creating
// the directory user from userJSON when none exists or none of the listed
// users matches the phone. An existing user with a live session gets that
// session back.
func (a *Authenticator) CreateAndLogonPinUser(ctx context.Context, logon PinLogon, userJSON []byte) (session.UserToken, error) {
	outcome, err := a.pins.ConsumePin(ctx, logon.Phone, logon.Pin)
	if err := a.checkOutcome(outcome, err, "pin sign-up", logon.Phone); err != nil {
		return session.UserToken{}, err
	}

	exists, err := a.dir.UserExists(ctx, logon.Phone)
	if err != nil {
		a.alarm(ctx, "Unable to check whether a user exists for "+logon.Phone, "CreateAndLogonPinUser", logon.ApplicationID, logon.Phone, err)
		return session.UserToken{}, fmt.Errorf("%w: directory: %v", ErrAuthenticationFailed, err)
	}

	if exists {
		existing, ok, err := a.sessions.GetByUserName(ctx, logon.Phone)
		if err != nil {
			a.logger.Warn("session lookup failed, opening a new one", "phone", logon.Phone, "error", err)
		} else if ok {
			a.logger.Info("reusing active session", "phone", logon.Phone, "token_id", existing.ID)
			return existing, nil
		}

		users, err := a.listUsers(ctx, logon.Phone)
		if err != nil {
			a.alarm(ctx, "Unable to find any user from the query "+logon.Phone, "CreateAndLogonPinUser", logon.ApplicationID, logon.Phone, err)
			return session.UserToken{}, fmt.Errorf("%w: list users: %v", ErrAuthenticationFailed, err)
		}
		if match, ok := directory.BestMatch(users, logon.Phone); ok {
			agg, err := a.dir.GetUserAggregate(ctx, match.UID)
			if err != nil {
				a.alarm(ctx, "Unable to fetch the user aggregate for "+match.UID, "CreateAndLogonPinUser", logon.ApplicationID, logon.Phone, err)
				return session.UserToken{}, fmt.Errorf("%w: user aggregate: %v", ErrAuthenticationFailed, err)
			}
			return a.open(ctx, agg, logon.ApplicationID, logon.Lifespan, session.LevelPossession, SourcePin)
		}
		a.logger.Warn("no listed user matches the phone, creating one", "phone", logon.Phone)
	}

	agg, err := a.dir.CreatePinUser(ctx, userJSON)
	if err != nil {
		a.logger.Error("pin user not created", "phone", logon.Phone, "error", err)
		return session.UserToken{}, fmt.Errorf("%w: create user: %v", ErrAuthenticationFailed, err)
	}
	a.logger.Info("created pin user", "phone", logon.Phone, "uid", agg.UID)
	return a.open(ctx, agg, logon.ApplicationID, logon.Lifespan, session.LevelPossession, SourcePin)
}

func (a *Authenticator) checkOutcome(outcome pin.Outcome, err error, what, phone string) error {
	if err != nil {
		a.logger.Error(what+" failed on credential store", "phone", phone, "error", err)
		return fmt.Errorf("%w: %s: %v", ErrAuthenticationFailed, what, err)
	}
	if !outcome.OK() {
		a.logger.Warn(what+" denied", "phone", phone, "outcome", outcome)
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, outcome)
	}
	return nil
}

// logon resolves the directory user of phone and opens the session
func (a *Authenticator) logon(ctx context.Context, location, appID, phone string, lifespan time.Duration, level int, source string) (session.UserToken, error) {
	users, err := a.listUsers(ctx, phone)
	if err != nil {
		a.alarm(ctx, "Unable to find any user from the query "+phone, location, appID, phone, err)
		return session.UserToken{}, fmt.Errorf("%w: list users: %v", ErrAuthenticationFailed, err)
	}

	match, ok := directory.BestMatch(users, phone)
	if !ok {
		a.alarm(ctx, "Unable to find a user matching the phone number "+phone, location, appID, phone, nil)
		return session.UserToken{}, fmt.Errorf("%w: no matching user", ErrAuthenticationFailed)
	}
	a.logger.Info("found matching user", "phone", phone, "uid", match.UID)

	agg, err := a.dir.GetUserAggregate(ctx, match.UID)
	if err != nil {
		a.alarm(ctx, "Unable to fetch the user aggregate for "+match.UID, location, appID, phone, err)
		return session.UserToken{}, fmt.Errorf("%w: user aggregate: %v", ErrAuthenticationFailed, err)
	}
	return a.open(ctx, agg, appID, lifespan, level, source)
}

func (a *Authenticator) open(ctx context.Context, agg directory.Aggregate, appID string, lifespan time.Duration, level int, source string) (session.UserToken, error) {
	token := session.FromAggregate(agg, level, source)
	token.ApplicationID = appID
	added, err := a.sessions.Add(ctx, token, lifespan)
	if err != nil {
		a.logger.Error("session not stored", "uid", agg.UID, "error", err)
		return session.UserToken{}, fmt.Errorf("%w: store session: %v", ErrAuthenticationFailed, err)
	}
	return added, nil
}

// listUsers retries the directory search, which can miss a user for a
// short while after it was created on another directory node
func (a *Authenticator) listUsers(ctx context.Context, phone string) ([]directory.User, error) {
	var lastErr error
	for attempt := 1; attempt <= a.cfg.ListAttempts; attempt++ {
		users, err := a.dir.ListUsers(ctx, phone)
		if err == nil {
			return users, nil
		}
		lastErr = err
		a.logger.Debug("user search failed", "phone", phone, "attempt", attempt, "error", err)
		if attempt == a.cfg.ListAttempts {
			break
		}

		timer := time.NewTimer(a.cfg.ListBackoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (a *Authenticator) alarm(ctx context.Context, message, location, appID, phone string, cause error) {
	a.logger.Error(message, "location", location, "application_id", appID, "error", cause)
	if !a.notifier.Available() {
		return
	}
	fields := map[string]any{
		"location":      location,
		"applicationid": appID,
		"cellphone":     phone,
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	if err := a.notifier.SendAlarm(ctx, message, fields); err != nil {
		a.logger.Error("failed to send directory alarm", "error", err)
	}
}
