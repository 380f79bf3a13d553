package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/credcoin/clearing/internal/models"
)

const accountColumns = "id, owner_member_id, account_type, handle, display_name, default_denom, tier, dco_give_cxx, COALESCE(dco_denom, ''), queue_status, created_at"

func scanAccount(row pgx.Row) (*models.Account, error) {
	acct := &models.Account{}
	err := row.Scan(&acct.ID, &acct.OwnerMemberID, &acct.Type, &acct.Handle,
		&acct.DisplayName, &acct.DefaultDenom, &acct.Tier, &acct.DCOGiveCXX,
		&acct.DCODenom, &acct.QueueStatus, &acct.CreatedAt)
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// CreateAccount inserts a new account queued for materialization by the
// minute queue.
func (db *DB) CreateAccount(ctx context.Context, acct *models.Account) (*models.Account, error) {
	if !models.Supported(acct.DefaultDenom) {
		return nil, fmt.Errorf("unsupported denomination %q", acct.DefaultDenom)
	}
	var dcoDenom *models.Denomination
	if acct.DCODenom != "" {
		dcoDenom = &acct.DCODenom
	}
	created, err := scanAccount(db.Pool.QueryRow(ctx,
		`INSERT INTO accounts (id, owner_member_id, account_type, handle, display_name, default_denom, tier, dco_give_cxx, dco_denom, queue_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING `+accountColumns,
		acct.ID, acct.OwnerMemberID, acct.Type, acct.Handle, acct.DisplayName,
		acct.DefaultDenom, acct.Tier, acct.DCOGiveCXX, dcoDenom, models.QueuePendingAccount))
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return created, nil
}

// GetAccount retrieves an account by ID
func (db *DB) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	acct, err := scanAccount(db.Pool.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1", accountID))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// FoundationAccount returns the single foundation account.
func (db *DB) FoundationAccount(ctx context.Context) (*models.Account, error) {
	acct, err := scanAccount(db.Pool.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE account_type = $1", models.AccountFoundation))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get foundation account: %w", err)
	}
	return acct, nil
}

// AuthorizeMember grants an additional member transacting rights on an
// account. At most five besides the owner.
func (db *DB) AuthorizeMember(ctx context.Context, accountID string, memberID int) error {
	var count int
	err := db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM account_members WHERE account_id = $1", accountID).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to count authorizations: %w", err)
	}
	if count >= 5 {
		return fmt.Errorf("account %s already has 5 authorized members", accountID)
	}
	_, err = db.Pool.Exec(ctx,
		"INSERT INTO account_members (account_id, member_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		accountID, memberID)
	if err != nil {
		return fmt.Errorf("failed to authorize member: %w", err)
	}
	return nil
}

// MayTransact reports whether the member owns or is authorized on the account.
func (db *DB) MayTransact(ctx context.Context, accountID string, memberID int) (bool, error) {
	var ok bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM accounts WHERE id = $1 AND owner_member_id = $2
			UNION
			SELECT 1 FROM account_members WHERE account_id = $1 AND member_id = $2
		)`, accountID, memberID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check authorization: %w", err)
	}
	return ok, nil
}

// PendingAccounts retrieves accounts queued for search-store materialization,
// oldest first.
func (db *DB) PendingAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE queue_status = $1 ORDER BY created_at ASC",
		models.QueuePendingAccount)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

// MarkAccountProcessed stamps an account as materialized.
func (db *DB) MarkAccountProcessed(ctx context.Context, accountID string) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE accounts SET queue_status = $1 WHERE id = $2",
		models.QueueProcessed, accountID)
	if err != nil {
		return fmt.Errorf("failed to mark account processed: %w", err)
	}
	return nil
}

// SecurableBalance returns how much the account may still issue as secured
// credex in the given denomination: secured value received minus secured
// value already issued, both converted to denomination units at each
// credex's own multiplier. Foundation accounts are unbounded and handled by
// the caller.
func (db *DB) SecurableBalance(ctx context.Context, accountID string, denom models.Denomination) (float64, error) {
	var received, issued float64
	err := db.Pool.QueryRow(ctx,
		`SELECT
			COALESCE(SUM(outstanding_amount / cxx_multiplier) FILTER (WHERE receiver_account_id = $1), 0),
			COALESCE(SUM(outstanding_amount / cxx_multiplier) FILTER (WHERE issuer_account_id = $1), 0)
		 FROM credexes
		 WHERE status = $2 AND secured_by IS NOT NULL AND denomination = $3
		   AND (receiver_account_id = $1 OR issuer_account_id = $1)`,
		accountID, models.StatusOwes, denom).Scan(&received, &issued)
	if err != nil {
		return 0, fmt.Errorf("failed to compute securable balance: %w", err)
	}
	balance := received - issued
	if balance < 0 {
		balance = 0
	}
	return balance, nil
}
