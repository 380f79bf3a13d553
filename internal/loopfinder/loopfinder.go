// Package loopfinder implements the cycle-detection and netting engine.
// Given one newly accepted credex it registers the obligation in the search
// store, then repeatedly detects and nets closed cycles of obligations
// through the issuer's account until none remain, extinguishing circular
// debt without anything changing hands.
package loopfinder

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/credcoin/clearing/internal/models"
	"github.com/credcoin/clearing/internal/searchstore"
)

// Ledger is the slice of the authoritative store the netting engine writes.
type Ledger interface {
	CreateLoopAnchor(ctx context.Context, anchor models.LoopAnchor) error
	RedeemCredex(ctx context.Context, credexID string, amountCXX float64, anchorID, nextCredexID string) error
	MarkCredexProcessed(ctx context.Context, credexID string) error
}

// Params describe one credex transition into the accepted state.
type Params struct {
	IssuerAccountID   string
	CredexID          string
	Amount            float64 // outstanding, in CXX
	Denomination      models.Denomination
	CXXMultiplier     float64
	Type              models.ObligationType
	DueDate           time.Time
	AcceptorAccountID string
}

// Finder nets cycles. Invocations must not run concurrently with each other:
// the multi-step search/clear protocol over the search store is not
// transactionally isolated, so the minute queue drives this sequentially.
type Finder struct {
	ledger Ledger
	mirror *searchstore.Store
	log    *zap.Logger
	now    func() time.Time

	// OnLoop, when set, is called after each netted cycle.
	OnLoop func(models.LoopEvent)
}

// New creates a Finder.
func New(ledger Ledger, mirror *searchstore.Store, log *zap.Logger) *Finder {
	return &Finder{ledger: ledger, mirror: mirror, log: log, now: time.Now}
}

// Run is called exactly once per credex transition into the accepted state.
// It returns false on any unexpected failure; the caller continues with the
// next queued credex rather than aborting its batch, and the idempotent
// registration makes a later re-invocation safe.
func (f *Finder) Run(ctx context.Context, p Params) bool {
	dueDate := p.DueDate
	if p.Type.Secured {
		// Secured credex has no independent maturity.
		dueDate = f.today()
	}

	f.mirror.AddAccount(p.IssuerAccountID)
	f.mirror.AddAccount(p.AcceptorAccountID)
	if !f.mirror.Register(p.Type, searchstore.Entry{
		CredexID:      p.CredexID,
		Issuer:        p.IssuerAccountID,
		Receiver:      p.AcceptorAccountID,
		Outstanding:   p.Amount,
		Denomination:  p.Denomination,
		CXXMultiplier: p.CXXMultiplier,
		DueDate:       dueDate,
	}) {
		f.log.Info("credex already registered in search store",
			zap.String("credex_id", p.CredexID))
	}

	for {
		reps := f.mirror.FindCycle(p.Type, p.IssuerAccountID)
		if reps == nil {
			if err := f.ledger.MarkCredexProcessed(ctx, p.CredexID); err != nil {
				f.log.Error("failed to mark credex processed",
					zap.String("credex_id", p.CredexID), zap.Error(err))
				return false
			}
			return true
		}

		if !f.netCycle(ctx, reps) {
			return false
		}
	}
}

// netCycle clears the minimum outstanding amount across the cycle's
// representative credexes and redeems every representative that reaches
// exactly zero.
func (f *Finder) netCycle(ctx context.Context, reps []searchstore.Entry) bool {
	valueToClear := reps[0].Outstanding
	for _, rep := range reps[1:] {
		if rep.Outstanding < valueToClear {
			valueToClear = rep.Outstanding
		}
	}

	anchor := models.LoopAnchor{
		ID:           uuid.NewString(),
		LoopedAmount: valueToClear,
		Day:          f.today(),
	}
	if err := f.ledger.CreateLoopAnchor(ctx, anchor); err != nil {
		f.log.Error("failed to create loop anchor", zap.Error(err))
		return false
	}

	var clearedIDs []string
	for i, rep := range reps {
		remaining, err := f.mirror.SubtractOutstanding(rep.CredexID, valueToClear)
		if err != nil {
			f.log.Error("search store lost a cycle member",
				zap.String("credex_id", rep.CredexID), zap.Error(err))
			return false
		}
		if remaining != 0 {
			continue
		}

		// Fully netted: out of the mirror, redeemed and CLEARED in the
		// ledger, chained to the next credex in the cycle for the audit
		// trail.
		f.mirror.Remove(rep.CredexID)
		next := reps[(i+1)%len(reps)].CredexID
		if err := f.ledger.RedeemCredex(ctx, rep.CredexID, valueToClear, anchor.ID, next); err != nil {
			f.log.Error("failed to redeem credex",
				zap.String("credex_id", rep.CredexID),
				zap.String("anchor_id", anchor.ID),
				zap.Error(err))
			return false
		}
		clearedIDs = append(clearedIDs, rep.CredexID)
	}

	f.log.Info("netted cycle",
		zap.String("anchor_id", anchor.ID),
		zap.Float64("value_cleared", valueToClear),
		zap.Int("cycle_length", len(reps)),
		zap.Int("fully_netted", len(clearedIDs)))

	if f.OnLoop != nil {
		f.OnLoop(models.LoopEvent{
			AnchorID:     anchor.ID,
			LoopedAmount: valueToClear,
			CycleLength:  len(reps),
			ClearedIDs:   clearedIDs,
			OccurredAt:   f.now(),
		})
	}
	return true
}

func (f *Finder) today() time.Time {
	return f.now().UTC().Truncate(24 * time.Hour)
}
