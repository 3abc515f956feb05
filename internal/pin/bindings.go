package pin

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/sts/internal/storage"
)

// BindingStore keeps the durable phone to trusted-client bindings
type BindingStore interface {
	// Bind records clientID as trusted for phone, replacing any earlier client
	Bind(ctx context.Context, phone, clientID string) error

	// ClientFor returns the client bound to phone
	ClientFor(ctx context.Context, phone string) (clientID string, ok bool, err error)
}

// GridBindingStore keeps bindings in a grid map without expiry
type GridBindingStore struct {
	m storage.Map
}

// NewGridBindingStore stores bindings in the named grid map
func NewGridBindingStore(grid storage.Grid, mapName string) *GridBindingStore {
	return &GridBindingStore{m: grid.Map(mapName, storage.MapConfig{})}
}

func (s *GridBindingStore) Bind(ctx context.Context, phone, clientID string) error {
	if err := s.m.Put(ctx, phone, []byte(clientID), storage.NoExpiry); err != nil {
		return fmt.Errorf("bind %s: %w", phone, err)
	}
	return nil
}

func (s *GridBindingStore) ClientFor(ctx context.Context, phone string) (string, bool, error) {
	v, err := s.m.Get(ctx, phone)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup binding %s: %w", phone, err)
	}
	return string(v), true, nil
}
