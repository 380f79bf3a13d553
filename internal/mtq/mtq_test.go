package mtq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/credcoin/clearing/internal/db"
	"github.com/credcoin/clearing/internal/loopfinder"
	"github.com/credcoin/clearing/internal/models"
	"github.com/credcoin/clearing/internal/searchstore"
)

// fakeStore scripts the ledger side of a queue run and records every write.
type fakeStore struct {
	day          *models.Day
	dayErr       error
	claimErr     error
	accounts     []models.Account
	accountsErr  error
	credexes     []models.Credex
	credexesErr  error
	claimed      bool
	released     bool
	processedIDs []string
}

func (s *fakeStore) ActiveDay(_ context.Context) (*models.Day, error) {
	if s.dayErr != nil {
		return nil, s.dayErr
	}
	return s.day, nil
}

func (s *fakeStore) ClaimMTQ(_ context.Context) error {
	if s.claimErr != nil {
		return s.claimErr
	}
	s.claimed = true
	return nil
}

func (s *fakeStore) ReleaseMTQ(_ context.Context) error {
	s.released = true
	return nil
}

func (s *fakeStore) PendingAccounts(_ context.Context) ([]models.Account, error) {
	if s.accountsErr != nil {
		return nil, s.accountsErr
	}
	return s.accounts, nil
}

func (s *fakeStore) MarkAccountProcessed(_ context.Context, accountID string) error {
	s.processedIDs = append(s.processedIDs, accountID)
	return nil
}

func (s *fakeStore) PendingCredexes(_ context.Context) ([]models.Credex, error) {
	if s.credexesErr != nil {
		return nil, s.credexesErr
	}
	return s.credexes, nil
}

// fakeFinder records the order credexes reach the netting engine.
type fakeFinder struct {
	ran    []string
	failID string
}

func (f *fakeFinder) Run(_ context.Context, p loopfinder.Params) bool {
	f.ran = append(f.ran, p.CredexID)
	return p.CredexID != f.failID
}

func idleDay() *models.Day {
	return &models.Day{ID: 1, Date: time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC), Active: true}
}

func pendingCredex(id string, acceptedAt time.Time) models.Credex {
	return models.Credex{
		ID:                id,
		IssuerAccountID:   "a",
		ReceiverAccountID: "b",
		Denomination:      models.DenomCXX,
		CXXMultiplier:     1,
		OutstandingAmount: 10,
		Status:            models.StatusOwes,
		QueueStatus:       models.QueuePendingCredex,
		AcceptedAt:        acceptedAt,
	}
}

func TestQueue_SkipsWhenDayBusy(t *testing.T) {
	for _, tc := range []struct {
		name string
		day  *models.Day
	}{
		{"daily job running", &models.Day{ID: 1, Active: true, DCORunning: true}},
		{"prior drain running", &models.Day{ID: 1, Active: true, MTQRunning: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{day: tc.day}
			finder := &fakeFinder{}
			q := New(store, searchstore.New(), finder, zap.NewNop(), time.Minute)

			assert.False(t, q.Run(context.Background()))

			// A skipped run makes no writes at all.
			assert.False(t, store.claimed)
			assert.False(t, store.released)
			assert.Empty(t, finder.ran)
		})
	}
}

func TestQueue_SkipsWhenNoActiveDay(t *testing.T) {
	store := &fakeStore{dayErr: db.ErrNoActiveDay}
	q := New(store, searchstore.New(), &fakeFinder{}, zap.NewNop(), time.Minute)

	assert.False(t, q.Run(context.Background()))
	assert.False(t, store.claimed)
}

func TestQueue_SkipsWhenClaimLost(t *testing.T) {
	store := &fakeStore{day: idleDay(), claimErr: db.ErrDayBusy}
	q := New(store, searchstore.New(), &fakeFinder{}, zap.NewNop(), time.Minute)

	assert.False(t, q.Run(context.Background()))
	assert.False(t, store.released)
}

func TestQueue_DrainsAccountsThenCredexes(t *testing.T) {
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{
		day:      idleDay(),
		accounts: []models.Account{{ID: "acct-1"}, {ID: "acct-2"}},
		credexes: []models.Credex{
			pendingCredex("c1", base),
			pendingCredex("c2", base.Add(time.Second)),
			pendingCredex("c3", base.Add(2*time.Second)),
		},
	}
	finder := &fakeFinder{}
	mirror := searchstore.New()
	q := New(store, mirror, finder, zap.NewNop(), time.Minute)

	require.True(t, q.Run(context.Background()))

	assert.Equal(t, []string{"acct-1", "acct-2"}, store.processedIDs)

	// Oldest acceptance first, strictly sequential.
	assert.Equal(t, []string{"c1", "c2", "c3"}, finder.ran)
	assert.True(t, store.claimed)
	assert.True(t, store.released)
}

func TestQueue_ItemFailureDoesNotAbortBatch(t *testing.T) {
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{
		day: idleDay(),
		credexes: []models.Credex{
			pendingCredex("c1", base),
			pendingCredex("c2", base.Add(time.Second)),
			pendingCredex("c3", base.Add(2*time.Second)),
		},
	}
	finder := &fakeFinder{failID: "c2"}
	q := New(store, searchstore.New(), finder, zap.NewNop(), time.Minute)

	require.True(t, q.Run(context.Background()))

	// c2 fails but c3 still runs, and the flag is still released.
	assert.Equal(t, []string{"c1", "c2", "c3"}, finder.ran)
	assert.True(t, store.released)
}

func TestQueue_FetchFailureFailsRun(t *testing.T) {
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	t.Run("pending accounts fetch fails", func(t *testing.T) {
		store := &fakeStore{
			day:         idleDay(),
			accountsErr: assert.AnError,
			credexes:    []models.Credex{pendingCredex("c1", base)},
		}
		finder := &fakeFinder{}
		q := New(store, searchstore.New(), finder, zap.NewNop(), time.Minute)

		// A whole-queue fetch failure aborts the run before the credex
		// drain, but the flag is still released.
		assert.False(t, q.Run(context.Background()))
		assert.Empty(t, finder.ran)
		assert.True(t, store.released)
	})

	t.Run("pending credexes fetch fails", func(t *testing.T) {
		store := &fakeStore{
			day:         idleDay(),
			accounts:    []models.Account{{ID: "acct-1"}},
			credexesErr: assert.AnError,
		}
		q := New(store, searchstore.New(), &fakeFinder{}, zap.NewNop(), time.Minute)

		assert.False(t, q.Run(context.Background()))
		// The account drain already completed before the failure.
		assert.Equal(t, []string{"acct-1"}, store.processedIDs)
		assert.True(t, store.released)
	})
}

func TestQueue_ReleasesFlagEvenWhenContextCancelled(t *testing.T) {
	store := &fakeStore{day: idleDay()}
	q := New(store, searchstore.New(), &fakeFinder{}, zap.NewNop(), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.True(t, q.Run(ctx))
	assert.True(t, store.released)
}
