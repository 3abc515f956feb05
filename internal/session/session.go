// Package session keeps the user sessions issued by the STS. A session is
// a UserToken stored in the shared grid for its lifespan, so any node can
// resolve a session created on another.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/sts/internal/directory"
	"github.com/dreamware/sts/internal/storage"
)

// Grid map names
const (
	TokenMap    = "user-tokens"
	UserNameMap = "user-token-names"
)

// DefaultLifespan applies when a logon does not ask for one
const DefaultLifespan = 24 * time.Hour

// Security levels stamped on sessions
const (
	// LevelPossession is a session proven by a PIN or a trusted client
	LevelPossession = 0
	// LevelSharedSecret is a session vouched for by a trusted application
	LevelSharedSecret = 2
)

// UserToken is an authenticated user session
type UserToken struct {
	ID            string           `json:"id"`
	ApplicationID string           `json:"application_id,omitempty"`
	UID           string           `json:"uid"`
	UserName      string           `json:"username"`
	FirstName     string           `json:"first_name,omitempty"`
	LastName      string           `json:"last_name,omitempty"`
	Email         string           `json:"email,omitempty"`
	CellPhone     string           `json:"cell_phone,omitempty"`
	PersonRef     string           `json:"person_ref,omitempty"`
	Roles         []directory.Role `json:"roles,omitempty"`
	SecurityLevel int              `json:"security_level"`
	Source        string           `json:"source"`
	IssuedAt      time.Time        `json:"issued_at"`
	Lifespan      time.Duration    `json:"lifespan"`
}

// FromAggregate builds an unsaved session for a directory user
func FromAggregate(agg directory.Aggregate, level int, source string) UserToken {
	return UserToken{
		UID:           agg.UID,
		UserName:      agg.UserName,
		FirstName:     agg.FirstName,
		LastName:      agg.LastName,
		Email:         agg.Email,
		CellPhone:     agg.CellPhone,
		PersonRef:     agg.PersonRef,
		Roles:         agg.Roles,
		SecurityLevel: level,
		Source:        source,
	}
}

// ExpiresAt is the end of the session
func (t UserToken) ExpiresAt() time.Time { return t.IssuedAt.Add(t.Lifespan) }

// Valid reports whether the session is live at now
func (t UserToken) Valid(now time.Time) bool { return now.Before(t.ExpiresAt()) }

// Repository stores sessions in the grid
type Repository struct {
	tokens   storage.Map
	names    storage.Map
	lifespan time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewRepository creates a session repository. lifespan is the default for
// sessions added without one.
func NewRepository(grid storage.Grid, lifespan time.Duration, logger *slog.Logger) *Repository {
	if lifespan <= 0 {
		lifespan = DefaultLifespan
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		tokens:   grid.Map(TokenMap, storage.MapConfig{TTL: lifespan}),
		names:    grid.Map(UserNameMap, storage.MapConfig{TTL: lifespan}),
		lifespan: lifespan,
		logger:   logger.With("component", "session"),
		now:      time.Now,
	}
}

// SetClock replaces the time source
func (r *Repository) SetClock(now func() time.Time) { r.now = now }

// Add stamps the token with an id, issue time and lifespan, then stores it.
// A zero lifespan uses the repository default.
func (r *Repository) Add(ctx context.Context, token UserToken, lifespan time.Duration) (UserToken, error) {
	if lifespan <= 0 {
		lifespan = r.lifespan
	}
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	token.IssuedAt = r.now().UTC()
	token.Lifespan = lifespan

	raw, err := json.Marshal(token)
	if err != nil {
		return UserToken{}, err
	}
	if err := r.tokens.Put(ctx, token.ID, raw, lifespan); err != nil {
		return UserToken{}, fmt.Errorf("store session: %w", err)
	}
	if token.UserName != "" {
		if err := r.names.Put(ctx, token.UserName, []byte(token.ID), lifespan); err != nil {
			return UserToken{}, fmt.Errorf("index session: %w", err)
		}
	}
	r.logger.Info("session added", "token_id", token.ID, "uid", token.UID, "security_level", token.SecurityLevel, "lifespan", lifespan)
	return token, nil
}

// Get returns the live session with id
func (r *Repository) Get(ctx context.Context, id string) (UserToken, bool, error) {
	raw, err := r.tokens.Get(ctx, id)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return UserToken{}, false, nil
	}
	if err != nil {
		return UserToken{}, false, fmt.Errorf("read session: %w", err)
	}
	var token UserToken
	if err := json.Unmarshal(raw, &token); err != nil {
		r.logger.Warn("dropping unreadable session", "token_id", id, "error", err)
		_ = r.tokens.Remove(ctx, id)
		return UserToken{}, false, nil
	}
	if !token.Valid(r.now()) {
		return UserToken{}, false, nil
	}
	return token, true, nil
}

// GetByUserName returns the latest live session of username
func (r *Repository) GetByUserName(ctx context.Context, username string) (UserToken, bool, error) {
	id, err := r.names.Get(ctx, username)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return UserToken{}, false, nil
	}
	if err != nil {
		return UserToken{}, false, fmt.Errorf("read session index: %w", err)
	}
	return r.Get(ctx, string(id))
}

// Remove ends the session with id
func (r *Repository) Remove(ctx context.Context, id string) error {
	token, ok, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.tokens.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	if ok && token.UserName != "" {
		if _, err := r.names.RemoveIfMatch(ctx, token.UserName, []byte(id)); err != nil {
			return fmt.Errorf("remove session index: %w", err)
		}
	}
	return nil
}

// Size counts the stored sessions
func (r *Repository) Size(ctx context.Context) (int, error) {
	return r.tokens.Size(ctx)
}
