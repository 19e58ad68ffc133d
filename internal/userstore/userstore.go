// Package userstore persists per-user watchlists in Postgres. The rest
// of the process only sees the subs.WatchlistStore interface; this is
// the pgx-backed implementation.
package userstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"stockstreamv1/internal/subs"
)

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS user_subscriptions (
		user_id        TEXT        NOT NULL,
		symbol         TEXT        NOT NULL,
		subscribed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_active_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		active         BOOLEAN     NOT NULL DEFAULT TRUE,
		PRIMARY KEY (user_id, symbol)
	)
`

// Store is a pgx-backed watchlist store.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against dsn, verifies it, and ensures the
// schema exists.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("userstore parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("userstore create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("userstore ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("userstore ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the pool.
func (s *Store) Close() { s.pool.Close() }

// Ping verifies the connection is healthy.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Upsert activates (user, symbol). newlyActive is true when the row was
// created or flipped from inactive; re-activating an already-active row
// only touches last_active_at.
func (s *Store) Upsert(ctx context.Context, userID, symbol string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO user_subscriptions (user_id, symbol, active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (user_id, symbol) DO UPDATE
			SET active = TRUE, last_active_at = now()
			WHERE user_subscriptions.active = FALSE
	`, userID, symbol)
	if err != nil {
		return false, fmt.Errorf("userstore upsert: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return true, nil
	}

	// Already active: refresh last_active_at out of band.
	_, err = s.pool.Exec(ctx, `
		UPDATE user_subscriptions SET last_active_at = now()
		WHERE user_id = $1 AND symbol = $2
	`, userID, symbol)
	if err != nil {
		return false, fmt.Errorf("userstore touch: %w", err)
	}
	return false, nil
}

// Deactivate soft-deletes the row. wasActive reports whether an active
// row existed.
func (s *Store) Deactivate(ctx context.Context, userID, symbol string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE user_subscriptions SET active = FALSE, last_active_at = now()
		WHERE user_id = $1 AND symbol = $2 AND active = TRUE
	`, userID, symbol)
	if err != nil {
		return false, fmt.Errorf("userstore deactivate: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ListActive returns the user's active symbols, sorted.
func (s *Store) ListActive(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol FROM user_subscriptions
		WHERE user_id = $1 AND active = TRUE
		ORDER BY symbol
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("userstore list active: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("userstore scan: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// ListAllActive returns every active watchlist row, used by rehydrate.
func (s *Store) ListAllActive(ctx context.Context) ([]subs.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, symbol FROM user_subscriptions
		WHERE active = TRUE
		ORDER BY symbol, user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("userstore list all: %w", err)
	}
	defer rows.Close()

	var entries []subs.Entry
	for rows.Next() {
		var e subs.Entry
		if err := rows.Scan(&e.UserID, &e.Symbol); err != nil {
			return nil, fmt.Errorf("userstore scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
