// Package mtq implements the minute transaction queue: the per-minute job
// that materializes pending accounts into the search store and feeds every
// pending accepted credex, oldest first, into the netting engine.
package mtq

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/credcoin/clearing/internal/db"
	"github.com/credcoin/clearing/internal/loopfinder"
	"github.com/credcoin/clearing/internal/models"
	"github.com/credcoin/clearing/internal/searchstore"
)

// Store is the slice of the ledger the queue drains.
type Store interface {
	ActiveDay(ctx context.Context) (*models.Day, error)
	ClaimMTQ(ctx context.Context) error
	ReleaseMTQ(ctx context.Context) error
	PendingAccounts(ctx context.Context) ([]models.Account, error)
	MarkAccountProcessed(ctx context.Context, accountID string) error
	PendingCredexes(ctx context.Context) ([]models.Credex, error)
}

// Finder is the netting engine. Implemented by *loopfinder.Finder.
type Finder interface {
	Run(ctx context.Context, p loopfinder.Params) bool
}

// Queue is the per-minute drain. It never blocks on the daily job: if either
// mutual-exclusion flag is set it skips the run entirely, since another
// minute is always coming.
type Queue struct {
	store     Store
	mirror    *searchstore.Store
	finder    Finder
	log       *zap.Logger
	bailAfter time.Duration
}

// New creates a Queue. bailAfter arms an advisory timer per run that only
// logs when exceeded; it does not cancel in-flight work.
func New(store Store, mirror *searchstore.Store, finder Finder, log *zap.Logger, bailAfter time.Duration) *Queue {
	return &Queue{store: store, mirror: mirror, finder: finder, log: log, bailAfter: bailAfter}
}

// Run drains the queue once. Returns false when the run was skipped or
// failed: a whole-queue fetch failure aborts the run, while per-item failures
// are logged and skipped without failing the batch.
func (q *Queue) Run(ctx context.Context) bool {
	day, err := q.store.ActiveDay(ctx)
	if err != nil {
		if errors.Is(err, db.ErrNoActiveDay) {
			q.log.Warn("minute queue skipped: no active day")
		} else {
			q.log.Error("minute queue failed to read active day", zap.Error(err))
		}
		return false
	}
	// The daily job and a still-running prior drain both take precedence.
	if day.DCORunning || day.MTQRunning {
		q.log.Info("minute queue skipped: day is busy",
			zap.Bool("dco_running", day.DCORunning),
			zap.Bool("mtq_running", day.MTQRunning))
		return false
	}

	if err := q.store.ClaimMTQ(ctx); err != nil {
		if errors.Is(err, db.ErrDayBusy) {
			return false
		}
		q.log.Error("minute queue failed to claim day", zap.Error(err))
		return false
	}
	defer func() {
		// Always release, even when the drain failed part way.
		if err := q.store.ReleaseMTQ(context.WithoutCancel(ctx)); err != nil {
			q.log.Error("failed to release minute queue flag", zap.Error(err))
		}
	}()

	bail := time.AfterFunc(q.bailAfter, func() {
		q.log.Warn("minute queue run exceeded bail window",
			zap.Duration("bail_after", q.bailAfter))
	})
	defer bail.Stop()

	if err := q.drainAccounts(ctx); err != nil {
		return false
	}
	if err := q.drainCredexes(ctx); err != nil {
		return false
	}
	return true
}

func (q *Queue) drainAccounts(ctx context.Context) error {
	accounts, err := q.store.PendingAccounts(ctx)
	if err != nil {
		q.log.Error("failed to fetch pending accounts", zap.Error(err))
		return err
	}
	for _, acct := range accounts {
		q.mirror.AddAccount(acct.ID)
		if err := q.store.MarkAccountProcessed(ctx, acct.ID); err != nil {
			q.log.Warn("failed to mark account processed, skipping",
				zap.String("account_id", acct.ID), zap.Error(err))
			continue
		}
	}
	if len(accounts) > 0 {
		q.log.Info("materialized pending accounts", zap.Int("count", len(accounts)))
	}
	return nil
}

func (q *Queue) drainCredexes(ctx context.Context) error {
	credexes, err := q.store.PendingCredexes(ctx)
	if err != nil {
		q.log.Error("failed to fetch pending credexes", zap.Error(err))
		return err
	}
	// PendingCredexes is sorted ascending by acceptance time; the netting
	// engine runs strictly sequentially over it.
	for _, c := range credexes {
		ok := q.finder.Run(ctx, loopfinder.Params{
			IssuerAccountID:   c.IssuerAccountID,
			CredexID:          c.ID,
			Amount:            c.OutstandingAmount,
			Denomination:      c.Denomination,
			CXXMultiplier:     c.CXXMultiplier,
			Type:              c.ObligationType(),
			DueDate:           c.DueDate,
			AcceptorAccountID: c.ReceiverAccountID,
		})
		if !ok {
			q.log.Warn("netting failed for credex, skipping",
				zap.String("credex_id", c.ID))
		}
	}
	if len(credexes) > 0 {
		q.log.Info("drained pending credexes", zap.Int("count", len(credexes)))
	}
	return nil
}
