package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/credcoin/clearing/internal/models"
)

func scanDay(row pgx.Row) (*models.Day, error) {
	day := &models.Day{}
	err := row.Scan(&day.ID, &day.Date, &day.Rates, &day.CXXPriorCXXCurrent,
		&day.Active, &day.DCORunning, &day.MTQRunning, &day.NextDayID, &day.CreatedAt)
	if err != nil {
		return nil, err
	}
	return day, nil
}

const dayColumns = "id, day, rates, cxx_prior_cxx_current, active, dco_running, mtq_running, next_day_id, created_at"

// ActiveDay returns the single active day record.
func (db *DB) ActiveDay(ctx context.Context) (*models.Day, error) {
	day, err := scanDay(db.Pool.QueryRow(ctx,
		"SELECT "+dayColumns+" FROM days WHERE active"))
	if err == pgx.ErrNoRows {
		return nil, ErrNoActiveDay
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active day: %w", err)
	}
	return day, nil
}

// CreateDayZero bootstraps the day chain with an initial active record.
// Fails if any day already exists.
func (db *DB) CreateDayZero(ctx context.Context, date time.Time, rates map[models.Denomination]float64) (*models.Day, error) {
	var count int
	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM days").Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to check day chain: %w", err)
	}
	if count > 0 {
		return nil, fmt.Errorf("day chain already bootstrapped")
	}

	day, err := scanDay(db.Pool.QueryRow(ctx,
		"INSERT INTO days (day, rates, cxx_prior_cxx_current, active) VALUES ($1, $2, 1, TRUE) RETURNING "+dayColumns,
		date, rates))
	if err != nil {
		return nil, fmt.Errorf("failed to create day zero: %w", err)
	}
	return day, nil
}

// PublishNextDay atomically creates the next day record, chains it from the
// current active one, and deactivates the predecessor. The new record starts
// with both mutual-exclusion flags held so the minute queue stays blocked
// until the daily run releases them.
func (db *DB) PublishNextDay(ctx context.Context, date time.Time, rates map[models.Denomination]float64, ratio float64) (*models.Day, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var currentID int
	err = tx.QueryRow(ctx, "SELECT id FROM days WHERE active FOR UPDATE").Scan(&currentID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNoActiveDay
		}
		return nil, fmt.Errorf("failed to lock active day: %w", err)
	}

	_, err = tx.Exec(ctx,
		"UPDATE days SET active = FALSE, dco_running = FALSE, mtq_running = FALSE WHERE id = $1",
		currentID)
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate day %d: %w", currentID, err)
	}

	day, err := scanDay(tx.QueryRow(ctx,
		"INSERT INTO days (day, rates, cxx_prior_cxx_current, active, dco_running, mtq_running) VALUES ($1, $2, $3, TRUE, TRUE, TRUE) RETURNING "+dayColumns,
		date, rates, ratio))
	if err != nil {
		return nil, fmt.Errorf("failed to insert next day: %w", err)
	}

	_, err = tx.Exec(ctx, "UPDATE days SET next_day_id = $1 WHERE id = $2", day.ID, currentID)
	if err != nil {
		return nil, fmt.Errorf("failed to chain day %d: %w", currentID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return day, nil
}

// ClaimDCO sets the daily job's flag on the active day, refusing while
// either job is already flagged. Compare-and-set: a concurrent claim loses
// and gets ErrDayBusy.
func (db *DB) ClaimDCO(ctx context.Context) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE days SET dco_running = TRUE WHERE active AND NOT dco_running AND NOT mtq_running")
	if err != nil {
		return fmt.Errorf("failed to claim day for DCO: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDayBusy
	}
	return nil
}

// ClaimMTQ sets the minute queue's flag on the active day, refusing while
// either job is already flagged.
func (db *DB) ClaimMTQ(ctx context.Context) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE days SET mtq_running = TRUE WHERE active AND NOT dco_running AND NOT mtq_running")
	if err != nil {
		return fmt.Errorf("failed to claim day for MTQ: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDayBusy
	}
	return nil
}

// ReleaseDCO clears both flags on the active day. Both, because a freshly
// published day holds both until the daily run completes.
func (db *DB) ReleaseDCO(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE days SET dco_running = FALSE, mtq_running = FALSE WHERE active")
	if err != nil {
		return fmt.Errorf("failed to release DCO flag: %w", err)
	}
	return nil
}

// ReleaseMTQ clears the minute queue's flag on the active day.
func (db *DB) ReleaseMTQ(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, "UPDATE days SET mtq_running = FALSE WHERE active")
	if err != nil {
		return fmt.Errorf("failed to release MTQ flag: %w", err)
	}
	return nil
}
