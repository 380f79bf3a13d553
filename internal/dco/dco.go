// Package dco implements the daily credcoin offering: the once-a-day job
// that defaults stale debt, fetches fresh exchange rates, rebases every
// stored amount to the new CXX anchor, and settles the foundation's
// give/receive legs with each confirmed participant.
package dco

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/credcoin/clearing/internal/credex"
	"github.com/credcoin/clearing/internal/db"
	"github.com/credcoin/clearing/internal/models"
	"github.com/credcoin/clearing/internal/rates"
)

// Store is the slice of the ledger the daily run drives.
type Store interface {
	ActiveDay(ctx context.Context) (*models.Day, error)
	ClaimDCO(ctx context.Context) error
	ReleaseDCO(ctx context.Context) error
	WriteSnapshot(ctx context.Context, tag string, date time.Time, mirror []byte) error
	DefaultOverdueCredexes(ctx context.Context, asOf time.Time) ([]string, error)
	ExpireStalePending(ctx context.Context, before time.Time) (int, error)
	DCOParticipants(ctx context.Context) ([]models.Participant, error)
	SecurableBalance(ctx context.Context, accountID string, denom models.Denomination) (float64, error)
	FoundationAccount(ctx context.Context) (*models.Account, error)
	PublishNextDay(ctx context.Context, date time.Time, rates map[models.Denomination]float64, ratio float64) (*models.Day, error)
	RebaseLedger(ctx context.Context, ratio float64, rates map[models.Denomination]float64) error
}

// Offers is the settlement entry point. Implemented by *credex.Service.
type Offers interface {
	CreateAndOffer(ctx context.Context, req credex.OfferRequest) (string, error)
	Accept(ctx context.Context, credexID string, signerID int) (*credex.AcceptResult, error)
}

// Mirror is the search store's rebase/eviction surface.
type Mirror interface {
	Rebase(ratio float64, rates map[models.Denomination]float64)
	RemoveMany(credexIDs []string)
	Snapshot() []byte
}

// Job runs the daily offering. Unlike the minute queue it must not skip a
// day, so it waits for the queue's flag to clear instead of bailing.
type Job struct {
	store     Store
	offers    Offers
	mirror    Mirror
	provider  rates.Provider
	log       *zap.Logger
	pollEvery time.Duration
}

// New creates a Job that polls the minute queue's flag every pollEvery.
func New(store Store, offers Offers, mirror Mirror, provider rates.Provider, log *zap.Logger, pollEvery time.Duration) *Job {
	return &Job{store: store, offers: offers, mirror: mirror, provider: provider, log: log, pollEvery: pollEvery}
}

type confirmed struct {
	models.Participant
	denomAmount float64
}

// Execute runs the whole daily sequence. Any phase failure aborts the run
// and returns false; the mutual-exclusion flag is always cleared, but no
// completed phase is rolled back. Recovery is operator-driven from the
// pre/post snapshots.
func (j *Job) Execute(ctx context.Context) bool {
	var day *models.Day
	for {
		d, ok := j.waitForMTQ(ctx)
		if !ok {
			return false
		}
		err := j.store.ClaimDCO(ctx)
		if err == nil {
			day = d
			break
		}
		if errors.Is(err, db.ErrDayBusy) {
			// The minute queue won the claim between the last poll and
			// ours; go back to waiting it out.
			j.log.Info("day claimed by minute queue, waiting again")
			select {
			case <-ctx.Done():
				j.log.Error("daily run cancelled while waiting to claim day")
				return false
			case <-time.After(j.pollEvery):
			}
			continue
		}
		j.log.Error("daily run failed to claim day", zap.Error(err))
		return false
	}
	defer func() {
		if err := j.store.ReleaseDCO(context.WithoutCancel(ctx)); err != nil {
			j.log.Error("failed to release daily run flag", zap.Error(err))
		}
	}()

	previousDate := day.Date
	nextDate := previousDate.AddDate(0, 0, 1)
	j.log.Info("daily run started",
		zap.Time("previous_date", previousDate), zap.Time("next_date", nextDate))

	if err := j.store.WriteSnapshot(ctx, "pre", previousDate, j.mirror.Snapshot()); err != nil {
		j.log.Error("pre-mutation snapshot failed", zap.Error(err))
		return false
	}

	defaulted, err := j.store.DefaultOverdueCredexes(ctx, previousDate)
	if err != nil {
		j.log.Error("defaulting phase failed", zap.Error(err))
		return false
	}
	j.mirror.RemoveMany(defaulted)
	j.log.Info("defaulted overdue credexes", zap.Int("count", len(defaulted)))

	expired, err := j.store.ExpireStalePending(ctx, previousDate.AddDate(0, 0, -1))
	if err != nil {
		j.log.Error("expiry phase failed", zap.Error(err))
		return false
	}
	j.log.Info("expired stale offers", zap.Int("count", expired))

	usdRates, err := j.provider.FetchRates(ctx, nextDate)
	if err != nil {
		j.log.Error("rate fetch failed", zap.Error(err))
		return false
	}
	if err := rates.Validate(usdRates); err != nil {
		j.log.Error("rate table invalid", zap.Error(err))
		return false
	}

	participants, err := j.tallyParticipants(ctx, day, usdRates)
	if err != nil {
		j.log.Error("participant tally failed", zap.Error(err))
		return false
	}

	newRates, ratio := j.computeRates(day, usdRates, participants)

	if _, err := j.store.PublishNextDay(ctx, nextDate, newRates, ratio); err != nil {
		j.log.Error("failed to publish next day", zap.Error(err))
		return false
	}
	j.log.Info("published next day",
		zap.Time("date", nextDate), zap.Float64("cxx_prior_cxx_current", ratio))

	if err := j.store.RebaseLedger(ctx, ratio, newRates); err != nil {
		j.log.Error("ledger rebase failed", zap.Error(err))
		return false
	}
	j.mirror.Rebase(ratio, newRates)

	if err := j.settle(ctx, participants); err != nil {
		j.log.Error("settlement failed", zap.Error(err))
		return false
	}

	if err := j.store.WriteSnapshot(ctx, "post", nextDate, j.mirror.Snapshot()); err != nil {
		j.log.Error("post-mutation snapshot failed", zap.Error(err))
		return false
	}

	j.log.Info("daily run complete", zap.Time("date", nextDate),
		zap.Int("participants", len(participants)))
	return true
}

// waitForMTQ polls the active day until the minute queue's flag clears.
func (j *Job) waitForMTQ(ctx context.Context) (*models.Day, bool) {
	for {
		day, err := j.store.ActiveDay(ctx)
		if err != nil {
			if errors.Is(err, db.ErrNoActiveDay) {
				j.log.Error("daily run aborted: no active day")
			} else {
				j.log.Error("daily run failed to read active day", zap.Error(err))
			}
			return nil, false
		}
		if !day.MTQRunning {
			return day, true
		}
		j.log.Info("waiting for minute queue to finish")
		select {
		case <-ctx.Done():
			j.log.Error("daily run cancelled while waiting for minute queue")
			return nil, false
		case <-time.After(j.pollEvery):
		}
	}
}

// tallyParticipants converts each declared give amount into its chosen
// denomination at today's rate and confirms the participant only if the
// account's securable balance covers it.
func (j *Job) tallyParticipants(ctx context.Context, day *models.Day, usdRates map[models.Denomination]float64) ([]confirmed, error) {
	declared, err := j.store.DCOParticipants(ctx)
	if err != nil {
		return nil, err
	}

	var out []confirmed
	for _, p := range declared {
		if p.Denomination == models.DenomCXX {
			j.log.Warn("participant declared CXX as offering denomination, skipping",
				zap.String("account_id", p.AccountID))
			continue
		}
		todayRate, ok := day.Rates[p.Denomination]
		if !ok || todayRate <= 0 {
			j.log.Warn("participant denomination has no rate today, skipping",
				zap.String("account_id", p.AccountID),
				zap.String("denomination", string(p.Denomination)))
			continue
		}
		denomAmount := p.GiveCXX / todayRate

		securable, err := j.store.SecurableBalance(ctx, p.AccountID, p.Denomination)
		if err != nil {
			return nil, fmt.Errorf("securable balance for %s: %w", p.AccountID, err)
		}
		if denomAmount > securable {
			j.log.Info("participant not confirmed: declared exceeds securable",
				zap.String("account_id", p.AccountID),
				zap.Float64("declared", denomAmount),
				zap.Float64("securable", securable))
			continue
		}
		out = append(out, confirmed{Participant: p, denomAmount: denomAmount})
	}
	j.log.Info("tallied offering participants",
		zap.Int("declared", len(declared)), zap.Int("confirmed", len(out)))
	return out, nil
}

// computeRates derives the next day's CXX rates. The gold anchor is the
// average confirmed contribution: nextCXXinXAU = sum of gold-equivalent
// contributions over the participant count, every denomination's rate is
// 1/nextCXXinXAU/denomInXAU, CXX is fixed at 1, and the prior/current ratio
// rebasing existing CXX value is the average confirmed CXX contribution.
// With no confirmed participants the previous day's gold anchor carries
// forward and the ratio is 1.
func (j *Job) computeRates(day *models.Day, usdRates map[models.Denomination]float64, participants []confirmed) (map[models.Denomination]float64, float64) {
	// denomInXAU: units of each denomination per one XAU.
	denomInXAU := make(map[models.Denomination]float64, len(usdRates))
	for denom, perUSD := range usdRates {
		denomInXAU[denom] = perUSD / usdRates[models.DenomXAU]
	}

	var nextCXXinXAU, ratio float64
	if len(participants) == 0 {
		nextCXXinXAU = 1 / day.Rates[models.DenomXAU]
		ratio = 1
	} else {
		var sumCXX, sumXAU float64
		for _, p := range participants {
			sumCXX += p.GiveCXX
			sumXAU += p.denomAmount / denomInXAU[p.Denomination]
		}
		count := float64(len(participants))
		nextCXXinXAU = sumXAU / count
		ratio = sumCXX / count
	}

	newRates := make(map[models.Denomination]float64, len(models.SupportedDenominations))
	newRates[models.DenomCXX] = 1
	for _, denom := range models.SupportedDenominations {
		if denom == models.DenomCXX {
			continue
		}
		newRates[denom] = 1 / nextCXXinXAU / denomInXAU[denom]
	}
	return newRates, ratio
}

// settle creates and accepts both legs per confirmed participant: a secured
// give credex to the foundation in the participant's declared denomination,
// and a secured receive credex back for an equal per-capita CXX share.
// Participants settle concurrently; the two legs of one participant run in
// order because they share the account.
func (j *Job) settle(ctx context.Context, participants []confirmed) error {
	if len(participants) == 0 {
		return nil
	}

	foundation, err := j.store.FoundationAccount(ctx)
	if err != nil {
		return fmt.Errorf("failed to get foundation account: %w", err)
	}

	var sumCXX float64
	for _, p := range participants {
		sumCXX += p.GiveCXX
	}
	perCapitaCXX := sumCXX / float64(len(participants))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, p := range participants {
		wg.Add(1)
		go func(p confirmed) {
			defer wg.Done()
			if err := j.settleOne(ctx, p, foundation, perCapitaCXX); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("settlement failed for %d participants: %w", len(errs), errs[0])
	}
	return nil
}

func (j *Job) settleOne(ctx context.Context, p confirmed, foundation *models.Account, perCapitaCXX float64) error {
	giveID, err := j.offers.CreateAndOffer(ctx, credex.OfferRequest{
		IssuerAccountID:   p.AccountID,
		ReceiverAccountID: foundation.ID,
		Denomination:      p.Denomination,
		Amount:            p.denomAmount,
		Secured:           true,
	})
	if err != nil {
		return fmt.Errorf("give leg for %s: %w", p.AccountID, err)
	}
	if _, err := j.offers.Accept(ctx, giveID, foundation.OwnerMemberID); err != nil {
		return fmt.Errorf("give leg accept for %s: %w", p.AccountID, err)
	}

	receiveID, err := j.offers.CreateAndOffer(ctx, credex.OfferRequest{
		IssuerAccountID:   foundation.ID,
		ReceiverAccountID: p.AccountID,
		Denomination:      models.DenomCXX,
		Amount:            perCapitaCXX,
		Secured:           true,
	})
	if err != nil {
		return fmt.Errorf("receive leg for %s: %w", p.AccountID, err)
	}
	if _, err := j.offers.Accept(ctx, receiveID, p.OwnerMemberID); err != nil {
		return fmt.Errorf("receive leg accept for %s: %w", p.AccountID, err)
	}
	return nil
}
