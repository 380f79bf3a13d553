package db

import (
	"context"
	"fmt"

	"github.com/credcoin/clearing/internal/models"
)

// CreateLoopAnchor records the audit anchor for one netted cycle.
func (db *DB) CreateLoopAnchor(ctx context.Context, anchor models.LoopAnchor) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO loop_anchors (id, looped_amount, day) VALUES ($1, $2, $3)",
		anchor.ID, anchor.LoopedAmount, anchor.Day)
	if err != nil {
		return fmt.Errorf("failed to create loop anchor: %w", err)
	}
	return nil
}

// RedeemCredex applies a full netting to a credex: outstanding decreases and
// redeemed increases by amountCXX, a REDEEMED edge records the redemption
// against the loop anchor, a CREDLOOP edge chains it to the next credex in
// the cycle, and the obligation moves to its terminal CLEARED state so it
// leaves future traversals and balance sums.
func (db *DB) RedeemCredex(ctx context.Context, credexID string, amountCXX float64, anchorID, nextCredexID string) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var denom models.Denomination
	var multiplier float64
	err = tx.QueryRow(ctx,
		`UPDATE credexes
		 SET outstanding_amount = GREATEST(outstanding_amount - $1, 0),
		     redeemed_amount = redeemed_amount + $1,
		     status = $2
		 WHERE id = $3
		 RETURNING denomination, cxx_multiplier`,
		amountCXX, models.StatusCleared, credexID).Scan(&denom, &multiplier)
	if err != nil {
		return fmt.Errorf("failed to redeem credex %s: %w", credexID, err)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO redemptions (credex_id, anchor_id, amount_cxx, denomination, cxx_multiplier) VALUES ($1, $2, $3, $4, $5)",
		credexID, anchorID, amountCXX, denom, multiplier)
	if err != nil {
		return fmt.Errorf("failed to record redemption: %w", err)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO credloops (anchor_id, from_credex_id, to_credex_id) VALUES ($1, $2, $3)",
		anchorID, credexID, nextCredexID)
	if err != nil {
		return fmt.Errorf("failed to record credloop: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
