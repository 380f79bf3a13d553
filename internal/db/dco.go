package db

import (
	"context"
	"fmt"
	"time"

	"github.com/credcoin/clearing/internal/models"
)

// DefaultOverdueCredexes marks every unsecured, not-yet-defaulted credex
// whose due date has passed: the full outstanding amount becomes defaulted,
// the obligation moves to its terminal state, and a "defaulted on" edge is
// recorded. Returns the IDs so the caller can evict them from the search
// store.
func (db *DB) DefaultOverdueCredexes(ctx context.Context, asOf time.Time) ([]string, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`UPDATE credexes
		 SET defaulted_amount = defaulted_amount + outstanding_amount,
		     outstanding_amount = 0,
		     status = $1
		 WHERE status = $2 AND secured_by IS NULL AND due_date < $3
		   AND outstanding_amount > 0
		 RETURNING id`,
		models.StatusDefaulted, models.StatusOwes, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to default overdue credexes: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan defaulted credex: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read defaulted credexes: %w", err)
	}

	for _, id := range ids {
		_, err = tx.Exec(ctx,
			"INSERT INTO credex_defaults (credex_id, defaulted_on) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			id, asOf)
		if err != nil {
			return nil, fmt.Errorf("failed to record default edge: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return ids, nil
}

// ExpireStalePending deletes offers and requests created before the cutoff
// and never accepted. The offer simply lapses; its signatures go with it.
func (db *DB) ExpireStalePending(ctx context.Context, before time.Time) (int, error) {
	tag, err := db.Pool.Exec(ctx,
		"DELETE FROM credexes WHERE status IN ($1, $2) AND created_at < $3",
		models.StatusOffers, models.StatusRequests, before)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale offers: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DCOParticipants returns every account that declared a daily give amount.
func (db *DB) DCOParticipants(ctx context.Context) ([]models.Participant, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, owner_member_id, dco_give_cxx, dco_denom FROM accounts WHERE dco_give_cxx > 0 AND dco_denom IS NOT NULL ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to get DCO participants: %w", err)
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.AccountID, &p.OwnerMemberID, &p.GiveCXX, &p.Denomination); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// RebaseLedger rescales every stored CXX amount to the freshly published
// rates: CXX-denominated rows divide by the prior/current ratio so constant
// CXX face value is preserved, foreign-denominated rows are recomputed as
// (amount / old multiplier) x new rate so their real-world value is
// unchanged, and each stored multiplier is rewritten to the new rate.
// Credexes, redemption edges, and loop anchors are all covered, in one
// transaction.
func (db *DB) RebaseLedger(ctx context.Context, ratio float64, rates map[models.Denomination]float64) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE credexes SET
			initial_amount = initial_amount / $1,
			outstanding_amount = outstanding_amount / $1,
			redeemed_amount = redeemed_amount / $1,
			defaulted_amount = defaulted_amount / $1,
			written_off_amount = written_off_amount / $1
		 WHERE denomination = $2`,
		ratio, models.DenomCXX)
	if err != nil {
		return fmt.Errorf("failed to rebase CXX credexes: %w", err)
	}

	_, err = tx.Exec(ctx,
		"UPDATE redemptions SET amount_cxx = amount_cxx / $1 WHERE denomination = $2",
		ratio, models.DenomCXX)
	if err != nil {
		return fmt.Errorf("failed to rebase CXX redemptions: %w", err)
	}

	for denom, rate := range rates {
		if denom == models.DenomCXX {
			continue
		}
		_, err = tx.Exec(ctx,
			`UPDATE credexes SET
				initial_amount = initial_amount / cxx_multiplier * $1,
				outstanding_amount = outstanding_amount / cxx_multiplier * $1,
				redeemed_amount = redeemed_amount / cxx_multiplier * $1,
				defaulted_amount = defaulted_amount / cxx_multiplier * $1,
				written_off_amount = written_off_amount / cxx_multiplier * $1,
				cxx_multiplier = $1
			 WHERE denomination = $2`,
			rate, denom)
		if err != nil {
			return fmt.Errorf("failed to rebase %s credexes: %w", denom, err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE redemptions SET
				amount_cxx = amount_cxx / cxx_multiplier * $1,
				cxx_multiplier = $1
			 WHERE denomination = $2`,
			rate, denom)
		if err != nil {
			return fmt.Errorf("failed to rebase %s redemptions: %w", denom, err)
		}
	}

	// Loop anchors are pure CXX aggregates.
	_, err = tx.Exec(ctx, "UPDATE loop_anchors SET looped_amount = looped_amount / $1", ratio)
	if err != nil {
		return fmt.Errorf("failed to rebase loop anchors: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WriteSnapshot stores a JSON dump of the ledger's mutable state plus the
// caller-supplied search-store payload, tagged for operator-driven recovery.
func (db *DB) WriteSnapshot(ctx context.Context, tag string, date time.Time, mirror []byte) error {
	payload := map[string]any{}
	if len(mirror) > 0 {
		payload["search_store"] = string(mirror)
	}

	var credexCount, anchorCount int
	var outstandingCXX float64
	err := db.Pool.QueryRow(ctx,
		"SELECT COUNT(*), COALESCE(SUM(outstanding_amount), 0) FROM credexes").Scan(&credexCount, &outstandingCXX)
	if err != nil {
		return fmt.Errorf("failed to summarize credexes: %w", err)
	}
	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM loop_anchors").Scan(&anchorCount); err != nil {
		return fmt.Errorf("failed to summarize loop anchors: %w", err)
	}
	payload["credex_count"] = credexCount
	payload["outstanding_cxx"] = outstandingCXX
	payload["loop_anchor_count"] = anchorCount

	rows, err := db.Pool.Query(ctx,
		"SELECT "+credexColumns+" FROM credexes")
	if err != nil {
		return fmt.Errorf("failed to dump credexes: %w", err)
	}
	defer rows.Close()
	var credexes []models.Credex
	for rows.Next() {
		c, err := scanCredex(rows)
		if err != nil {
			return fmt.Errorf("failed to scan credex: %w", err)
		}
		credexes = append(credexes, *c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to dump credexes: %w", err)
	}
	payload["credexes"] = credexes

	_, err = db.Pool.Exec(ctx,
		"INSERT INTO snapshots (tag, day, payload) VALUES ($1, $2, $3)",
		tag, date, payload)
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}
