package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrNoActiveDay means the day chain has no active record (bootstrap
	// has not run, or publication is mid-flight).
	ErrNoActiveDay = errors.New("no active day")

	// ErrDayBusy means a mutual-exclusion flag on the active day blocked a
	// claim attempt.
	ErrDayBusy = errors.New("day is claimed by a running job")

	// ErrNotFound is returned for lookups of rows that do not exist.
	ErrNotFound = errors.New("not found")
)

// DB wraps a PostgreSQL connection pool and is the authoritative ledger
// store: accounts, credexes, the day chain, and the audit trail.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}
