package pin

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBindingStore keeps trusted-client bindings in PostgreSQL so they
// survive a full restart of the grid.
type PostgresBindingStore struct {
	db *pgxpool.Pool
}

// NewPostgresBindingStore creates a binding store on an existing pool
func NewPostgresBindingStore(db *pgxpool.Pool) *PostgresBindingStore {
	return &PostgresBindingStore{db: db}
}

// EnsureSchema creates the bindings table when missing
func (s *PostgresBindingStore) EnsureSchema(ctx context.Context) error {
	query := `
        CREATE TABLE IF NOT EXISTS trusted_client_bindings (
            phone      TEXT PRIMARY KEY,
            client_id  TEXT NOT NULL,
            bound_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )
    `
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create trusted_client_bindings: %w", err)
	}
	return nil
}

// Bind upserts the binding for phone
func (s *PostgresBindingStore) Bind(ctx context.Context, phone, clientID string) error {
	query := `
        INSERT INTO trusted_client_bindings (phone, client_id)
        VALUES ($1, $2)
        ON CONFLICT (phone) DO UPDATE SET
            client_id = EXCLUDED.client_id,
            bound_at = NOW()
    `
	if _, err := s.db.Exec(ctx, query, phone, clientID); err != nil {
		return fmt.Errorf("bind %s: %w", phone, err)
	}
	return nil
}

// ClientFor returns the client bound to phone
func (s *PostgresBindingStore) ClientFor(ctx context.Context, phone string) (string, bool, error) {
	var clientID string
	query := `SELECT client_id FROM trusted_client_bindings WHERE phone = $1`
	err := s.db.QueryRow(ctx, query, phone).Scan(&clientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup binding %s: %w", phone, err)
	}
	return clientID, true, nil
}
