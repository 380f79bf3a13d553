// Package credex exposes the two operations collaborators write through:
// create-and-offer a credex, and accept one. Everything downstream of
// acceptance (netting, rebasing) is driven by the batch jobs.
package credex

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/credcoin/clearing/internal/models"
)

// Store is the slice of the ledger these operations need.
type Store interface {
	ActiveDay(ctx context.Context) (*models.Day, error)
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	CreateCredex(ctx context.Context, c *models.Credex) (*models.Credex, error)
	GetCredex(ctx context.Context, credexID string) (*models.Credex, error)
	AcceptCredex(ctx context.Context, credexID string, signerID int) (*models.Credex, error)
	DeclineCredex(ctx context.Context, credexID string, signerID int) error
	CancelCredex(ctx context.Context, credexID string, signerID int) error
	SecurableBalance(ctx context.Context, accountID string, denom models.Denomination) (float64, error)
}

// Service implements the collaborator operations.
type Service struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

// NewService creates a Service.
func NewService(store Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log, now: time.Now}
}

// OfferRequest describes a credex to create in its OFFERS state. Amount is
// in the credex's own denomination; storage converts to CXX at the active
// day's rate.
type OfferRequest struct {
	IssuerAccountID   string
	ReceiverAccountID string
	Denomination      models.Denomination
	Amount            float64
	Secured           bool
	DueDate           time.Time
}

// AcceptResult identifies the accepted credex and the account now owing it
// to be netted.
type AcceptResult struct {
	CredexID          string
	AcceptorAccountID string
}

// foundationTier and above may issue secured credex without a securable
// balance check.
const foundationTier = 5

// CreateAndOffer validates and persists a new credex in OFFERS state and
// returns its ID. Due date is required unless secured; secured issuance is
// bounded by the issuer's securable balance in the denomination.
func (s *Service) CreateAndOffer(ctx context.Context, req OfferRequest) (string, error) {
	if req.Amount <= 0 {
		return "", fmt.Errorf("amount must be positive")
	}
	if !models.Supported(req.Denomination) {
		return "", fmt.Errorf("unsupported denomination %q", req.Denomination)
	}
	if req.IssuerAccountID == req.ReceiverAccountID {
		return "", fmt.Errorf("issuer and receiver must differ")
	}

	day, err := s.store.ActiveDay(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get active day: %w", err)
	}
	rate, ok := day.Rates[req.Denomination]
	if !ok || rate <= 0 {
		return "", fmt.Errorf("active day has no rate for %s", req.Denomination)
	}

	c := &models.Credex{
		ID:                uuid.NewString(),
		IssuerAccountID:   req.IssuerAccountID,
		ReceiverAccountID: req.ReceiverAccountID,
		Denomination:      req.Denomination,
		CXXMultiplier:     rate,
		InitialAmount:     req.Amount * rate,
		Status:            models.StatusOffers,
	}

	if req.Secured {
		issuer, err := s.store.GetAccount(ctx, req.IssuerAccountID)
		if err != nil {
			return "", fmt.Errorf("failed to get issuer account: %w", err)
		}
		if issuer.Tier < foundationTier {
			securable, err := s.store.SecurableBalance(ctx, req.IssuerAccountID, req.Denomination)
			if err != nil {
				return "", err
			}
			if req.Amount > securable {
				return "", fmt.Errorf("amount %.4f %s exceeds securable balance %.4f",
					req.Amount, req.Denomination, securable)
			}
		}
		c.SecuredBy = req.IssuerAccountID
	} else {
		if req.DueDate.IsZero() {
			return "", fmt.Errorf("due date is required for unsecured credex")
		}
		if !req.DueDate.After(s.now()) {
			return "", fmt.Errorf("due date must be in the future")
		}
		c.DueDate = req.DueDate
	}

	created, err := s.store.CreateCredex(ctx, c)
	if err != nil {
		return "", err
	}
	s.log.Info("credex offered",
		zap.String("credex_id", created.ID),
		zap.String("issuer", created.IssuerAccountID),
		zap.String("receiver", created.ReceiverAccountID),
		zap.String("denomination", string(created.Denomination)),
		zap.Float64("amount_cxx", created.InitialAmount),
		zap.Bool("secured", created.Secured()))
	return created.ID, nil
}

// Accept transitions the credex to OWES, queues it for the minute queue, and
// records the signer's audit signature.
func (s *Service) Accept(ctx context.Context, credexID string, signerID int) (*AcceptResult, error) {
	c, err := s.store.AcceptCredex(ctx, credexID, signerID)
	if err != nil {
		return nil, err
	}
	s.log.Info("credex accepted",
		zap.String("credex_id", c.ID),
		zap.String("acceptor", c.ReceiverAccountID),
		zap.Int("signer_id", signerID))
	return &AcceptResult{CredexID: c.ID, AcceptorAccountID: c.ReceiverAccountID}, nil
}

// Decline rejects a pending offer on the receiver's behalf.
func (s *Service) Decline(ctx context.Context, credexID string, signerID int) error {
	return s.store.DeclineCredex(ctx, credexID, signerID)
}

// Cancel withdraws a pending offer on the issuer's behalf.
func (s *Service) Cancel(ctx context.Context, credexID string, signerID int) error {
	return s.store.CancelCredex(ctx, credexID, signerID)
}
