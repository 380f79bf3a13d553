package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/credcoin/clearing/internal/models"
)

const credexColumns = `id, issuer_account_id, receiver_account_id, denomination, cxx_multiplier,
	initial_amount, outstanding_amount, redeemed_amount, defaulted_amount, written_off_amount,
	due_date, secured_by, queue_status, status, created_at, accepted_at`

func scanCredex(row pgx.Row) (*models.Credex, error) {
	c := &models.Credex{}
	var dueDate, acceptedAt *time.Time
	var securedBy *string
	err := row.Scan(&c.ID, &c.IssuerAccountID, &c.ReceiverAccountID, &c.Denomination,
		&c.CXXMultiplier, &c.InitialAmount, &c.OutstandingAmount, &c.RedeemedAmount,
		&c.DefaultedAmount, &c.WrittenOffAmount, &dueDate, &securedBy,
		&c.QueueStatus, &c.Status, &c.CreatedAt, &acceptedAt)
	if err != nil {
		return nil, err
	}
	if dueDate != nil {
		c.DueDate = *dueDate
	}
	if securedBy != nil {
		c.SecuredBy = *securedBy
	}
	if acceptedAt != nil {
		c.AcceptedAt = *acceptedAt
	}
	return c, nil
}

// CreateCredex inserts a new credex in its pre-acceptance state.
func (db *DB) CreateCredex(ctx context.Context, c *models.Credex) (*models.Credex, error) {
	var dueDate *time.Time
	if !c.DueDate.IsZero() {
		dueDate = &c.DueDate
	}
	var securedBy *string
	if c.SecuredBy != "" {
		securedBy = &c.SecuredBy
	}
	created, err := scanCredex(db.Pool.QueryRow(ctx,
		`INSERT INTO credexes (id, issuer_account_id, receiver_account_id, denomination, cxx_multiplier,
			initial_amount, outstanding_amount, due_date, secured_by, queue_status, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $8, $9, $10) RETURNING `+credexColumns,
		c.ID, c.IssuerAccountID, c.ReceiverAccountID, c.Denomination, c.CXXMultiplier,
		c.InitialAmount, dueDate, securedBy, models.QueueNone, c.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to create credex: %w", err)
	}
	return created, nil
}

// GetCredex retrieves a credex by ID
func (db *DB) GetCredex(ctx context.Context, credexID string) (*models.Credex, error) {
	c, err := scanCredex(db.Pool.QueryRow(ctx,
		"SELECT "+credexColumns+" FROM credexes WHERE id = $1", credexID))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credex: %w", err)
	}
	return c, nil
}

// AcceptCredex transitions OFFERS (or REQUESTS) to OWES, stamps the
// acceptance time and queue status, and records the signer's audit
// signature. The row is locked so concurrent accepts cannot double-fire.
func (db *DB) AcceptCredex(ctx context.Context, credexID string, signerID int) (*models.Credex, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status models.CredexStatus
	err = tx.QueryRow(ctx,
		"SELECT status FROM credexes WHERE id = $1 FOR UPDATE", credexID).Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock credex: %w", err)
	}
	if status != models.StatusOffers && status != models.StatusRequests {
		return nil, fmt.Errorf("credex %s is %s, not acceptable", credexID, status)
	}

	c, err := scanCredex(tx.QueryRow(ctx,
		`UPDATE credexes SET status = $1, queue_status = $2, accepted_at = NOW()
		 WHERE id = $3 RETURNING `+credexColumns,
		models.StatusOwes, models.QueuePendingCredex, credexID))
	if err != nil {
		return nil, fmt.Errorf("failed to accept credex: %w", err)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO signatures (credex_id, member_id, action) VALUES ($1, $2, 'ACCEPT')",
		credexID, signerID)
	if err != nil {
		return nil, fmt.Errorf("failed to record signature: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return c, nil
}

// terminate moves a pre-acceptance credex into a terminal state.
func (db *DB) terminate(ctx context.Context, credexID string, signerID int, to models.CredexStatus, action string) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		"UPDATE credexes SET status = $1 WHERE id = $2 AND status IN ($3, $4)",
		to, credexID, models.StatusOffers, models.StatusRequests)
	if err != nil {
		return fmt.Errorf("failed to update credex: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credex %s not found or not pending", credexID)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO signatures (credex_id, member_id, action) VALUES ($1, $2, $3)",
		credexID, signerID, action)
	if err != nil {
		return fmt.Errorf("failed to record signature: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeclineCredex declines a pending offer (receiver side).
func (db *DB) DeclineCredex(ctx context.Context, credexID string, signerID int) error {
	return db.terminate(ctx, credexID, signerID, models.StatusDeclined, "DECLINE")
}

// CancelCredex cancels a pending offer (issuer side).
func (db *DB) CancelCredex(ctx context.Context, credexID string, signerID int) error {
	return db.terminate(ctx, credexID, signerID, models.StatusCancelled, "CANCEL")
}

// PendingCredexes retrieves accepted credexes awaiting the netting engine,
// sorted ascending by acceptance time so the earliest-accepted obligations
// are netted first.
func (db *DB) PendingCredexes(ctx context.Context) ([]models.Credex, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+credexColumns+" FROM credexes WHERE status = $1 AND queue_status = $2 ORDER BY accepted_at ASC",
		models.StatusOwes, models.QueuePendingCredex)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending credexes: %w", err)
	}
	defer rows.Close()

	var credexes []models.Credex
	for rows.Next() {
		c, err := scanCredex(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credex: %w", err)
		}
		credexes = append(credexes, *c)
	}
	return credexes, rows.Err()
}

// MarkCredexProcessed stamps a credex as drained through the netting engine.
func (db *DB) MarkCredexProcessed(ctx context.Context, credexID string) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE credexes SET queue_status = $1 WHERE id = $2",
		models.QueueProcessed, credexID)
	if err != nil {
		return fmt.Errorf("failed to mark credex processed: %w", err)
	}
	return nil
}

// OutstandingOwes returns every accepted credex with outstanding value, for
// rebuilding the search-store mirror by replay at startup.
func (db *DB) OutstandingOwes(ctx context.Context) ([]models.Credex, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+credexColumns+" FROM credexes WHERE status = $1 AND outstanding_amount > 0 ORDER BY accepted_at ASC",
		models.StatusOwes)
	if err != nil {
		return nil, fmt.Errorf("failed to get outstanding credexes: %w", err)
	}
	defer rows.Close()

	var credexes []models.Credex
	for rows.Next() {
		c, err := scanCredex(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credex: %w", err)
		}
		credexes = append(credexes, *c)
	}
	return credexes, rows.Err()
}
