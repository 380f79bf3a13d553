package credex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/credcoin/clearing/internal/models"
)

// fakeStore holds just enough ledger state for the offer/accept paths.
type fakeStore struct {
	day       *models.Day
	accounts  map[string]*models.Account
	securable map[string]float64
	created   []*models.Credex
	accepted  []string
	declined  []string
	cancelled []string
}

func (s *fakeStore) ActiveDay(_ context.Context) (*models.Day, error) {
	return s.day, nil
}

func (s *fakeStore) GetAccount(_ context.Context, accountID string) (*models.Account, error) {
	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, assert.AnError
	}
	return acct, nil
}

func (s *fakeStore) CreateCredex(_ context.Context, c *models.Credex) (*models.Credex, error) {
	out := *c
	out.OutstandingAmount = c.InitialAmount
	s.created = append(s.created, &out)
	return &out, nil
}

func (s *fakeStore) GetCredex(_ context.Context, credexID string) (*models.Credex, error) {
	for _, c := range s.created {
		if c.ID == credexID {
			return c, nil
		}
	}
	return nil, assert.AnError
}

func (s *fakeStore) AcceptCredex(_ context.Context, credexID string, _ int) (*models.Credex, error) {
	c, err := s.GetCredex(context.Background(), credexID)
	if err != nil {
		return nil, err
	}
	c.Status = models.StatusOwes
	c.QueueStatus = models.QueuePendingCredex
	s.accepted = append(s.accepted, credexID)
	return c, nil
}

func (s *fakeStore) DeclineCredex(_ context.Context, credexID string, _ int) error {
	s.declined = append(s.declined, credexID)
	return nil
}

func (s *fakeStore) CancelCredex(_ context.Context, credexID string, _ int) error {
	s.cancelled = append(s.cancelled, credexID)
	return nil
}

func (s *fakeStore) SecurableBalance(_ context.Context, accountID string, _ models.Denomination) (float64, error) {
	return s.securable[accountID], nil
}

func newTestService() (*Service, *fakeStore) {
	store := &fakeStore{
		day: &models.Day{
			ID:     1,
			Date:   time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC),
			Active: true,
			Rates: map[models.Denomination]float64{
				models.DenomCXX: 1,
				models.DenomUSD: 2.0,
				models.DenomCAD: 1.5,
			},
		},
		accounts: map[string]*models.Account{
			"alice":      {ID: "alice", Tier: 1},
			"bob":        {ID: "bob", Tier: 1},
			"foundation": {ID: "foundation", Tier: 5},
		},
		securable: map[string]float64{"alice": 50},
	}
	svc := NewService(store, zap.NewNop())
	svc.now = func() time.Time {
		return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	}
	return svc, store
}

func TestCreateAndOffer_Unsecured(t *testing.T) {
	svc, store := newTestService()

	id, err := svc.CreateAndOffer(context.Background(), OfferRequest{
		IssuerAccountID:   "alice",
		ReceiverAccountID: "bob",
		Denomination:      models.DenomUSD,
		Amount:            100,
		DueDate:           time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Len(t, store.created, 1)
	c := store.created[0]

	// Stored in CXX at today's 2.0 USD rate.
	assert.Equal(t, 200.0, c.InitialAmount)
	assert.Equal(t, 200.0, c.OutstandingAmount)
	assert.Equal(t, 2.0, c.CXXMultiplier)
	assert.Equal(t, models.StatusOffers, c.Status)
	assert.False(t, c.Secured())
}

func TestCreateAndOffer_Validation(t *testing.T) {
	svc, _ := newTestService()
	future := time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		req     OfferRequest
		wantErr string
	}{
		{
			name:    "non-positive amount",
			req:     OfferRequest{IssuerAccountID: "alice", ReceiverAccountID: "bob", Denomination: models.DenomUSD, Amount: 0, DueDate: future},
			wantErr: "amount must be positive",
		},
		{
			name:    "unsupported denomination",
			req:     OfferRequest{IssuerAccountID: "alice", ReceiverAccountID: "bob", Denomination: "BTC", Amount: 10, DueDate: future},
			wantErr: "unsupported denomination",
		},
		{
			name:    "self-dealing",
			req:     OfferRequest{IssuerAccountID: "alice", ReceiverAccountID: "alice", Denomination: models.DenomUSD, Amount: 10, DueDate: future},
			wantErr: "must differ",
		},
		{
			name:    "no rate today",
			req:     OfferRequest{IssuerAccountID: "alice", ReceiverAccountID: "bob", Denomination: models.DenomXAU, Amount: 10, DueDate: future},
			wantErr: "no rate",
		},
		{
			name:    "unsecured without due date",
			req:     OfferRequest{IssuerAccountID: "alice", ReceiverAccountID: "bob", Denomination: models.DenomUSD, Amount: 10},
			wantErr: "due date is required",
		},
		{
			name:    "due date in the past",
			req:     OfferRequest{IssuerAccountID: "alice", ReceiverAccountID: "bob", Denomination: models.DenomUSD, Amount: 10, DueDate: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)},
			wantErr: "due date must be in the future",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateAndOffer(context.Background(), tc.req)
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestCreateAndOffer_SecuredBoundedBySecurable(t *testing.T) {
	svc, store := newTestService()

	// Within the securable balance: fine, no due date needed.
	id, err := svc.CreateAndOffer(context.Background(), OfferRequest{
		IssuerAccountID:   "alice",
		ReceiverAccountID: "bob",
		Denomination:      models.DenomUSD,
		Amount:            50,
		Secured:           true,
	})
	require.NoError(t, err)
	c, err := store.GetCredex(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, c.Secured())
	assert.Equal(t, "alice", c.SecuredBy)
	assert.True(t, c.DueDate.IsZero())

	// Beyond it: rejected.
	_, err = svc.CreateAndOffer(context.Background(), OfferRequest{
		IssuerAccountID:   "alice",
		ReceiverAccountID: "bob",
		Denomination:      models.DenomUSD,
		Amount:            50.01,
		Secured:           true,
	})
	assert.ErrorContains(t, err, "exceeds securable balance")
}

func TestCreateAndOffer_FoundationBypassesSecurableCheck(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.CreateAndOffer(context.Background(), OfferRequest{
		IssuerAccountID:   "foundation",
		ReceiverAccountID: "bob",
		Denomination:      models.DenomCXX,
		Amount:            1e6,
		Secured:           true,
	})
	assert.NoError(t, err)
}

func TestAcceptDeclineCancel(t *testing.T) {
	svc, store := newTestService()

	id, err := svc.CreateAndOffer(context.Background(), OfferRequest{
		IssuerAccountID:   "alice",
		ReceiverAccountID: "bob",
		Denomination:      models.DenomUSD,
		Amount:            10,
		DueDate:           time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	res, err := svc.Accept(context.Background(), id, 2)
	require.NoError(t, err)
	assert.Equal(t, id, res.CredexID)
	assert.Equal(t, "bob", res.AcceptorAccountID)
	assert.Equal(t, []string{id}, store.accepted)

	require.NoError(t, svc.Decline(context.Background(), "other-1", 2))
	require.NoError(t, svc.Cancel(context.Background(), "other-2", 1))
	assert.Equal(t, []string{"other-1"}, store.declined)
	assert.Equal(t, []string{"other-2"}, store.cancelled)
}
