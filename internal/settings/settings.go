// Package settings stores engine-wide switches in the webhook_settings
// key/value table. The pause flag is consumed through the PauseChecker
// interface so dispatcher and sender can be tested without process-wide
// state.
package settings

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	KeyDeliveriesPaused = "deliveries_paused"

	valueOn  = "1"
	valueOff = "0"
)

// PauseChecker reports whether delivery processing is globally paused.
type PauseChecker interface {
	Paused(ctx context.Context) bool
}

// Store reads and writes webhook_settings rows.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM webhook_settings WHERE key=$1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	return err
}

// SetPaused toggles the global pause flag.
func (s *Store) SetPaused(ctx context.Context, paused bool) error {
	v := valueOff
	if paused {
		v = valueOn
	}
	return s.Set(ctx, KeyDeliveriesPaused, v)
}

// Paused implements PauseChecker. A read failure counts as not paused:
// the flag is an operator convenience, not a safety interlock.
func (s *Store) Paused(ctx context.Context) bool {
	v, err := s.Get(ctx, KeyDeliveriesPaused)
	if err != nil {
		return false
	}
	return v == valueOn
}

// StaticPause is a fixed PauseChecker for wiring and tests.
type StaticPause bool

func (p StaticPause) Paused(context.Context) bool { return bool(p) }
