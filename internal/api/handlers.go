package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/credcoin/clearing/internal/credex"
	"github.com/credcoin/clearing/internal/models"
)

// Store is the slice of the ledger the read endpoints and account creation
// need.
type Store interface {
	ActiveDay(ctx context.Context) (*models.Day, error)
	CreateAccount(ctx context.Context, acct *models.Account) (*models.Account, error)
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	MayTransact(ctx context.Context, accountID string, memberID int) (bool, error)
	SecurableBalance(ctx context.Context, accountID string, denom models.Denomination) (float64, error)
}

// CredexOps are the collaborator operations. Implemented by *credex.Service.
type CredexOps interface {
	CreateAndOffer(ctx context.Context, req credex.OfferRequest) (string, error)
	Accept(ctx context.Context, credexID string, signerID int) (*credex.AcceptResult, error)
	Decline(ctx context.Context, credexID string, signerID int) error
	Cancel(ctx context.Context, credexID string, signerID int) error
}

// Auth issues and verifies member tokens.
type Auth interface {
	Register(ctx context.Context, handle, password string) (*models.Member, error)
	Login(ctx context.Context, handle, password string) (string, error)
	GetMemberFromToken(tokenString string) (int, error)
}

type contextKey string

const memberIDKey contextKey = "member_id"

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Store  Store
	Credex CredexOps
	Auth   Auth
}

// NewHandler creates a new handler
func NewHandler(store Store, credexOps CredexOps, authService Auth) *Handler {
	return &Handler{Store: store, Credex: credexOps, Auth: authService}
}

// Register handles member registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle   string `json:"handle"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Handle == "" || req.Password == "" {
		http.Error(w, `{"error": "Handle and password required"}`, http.StatusBadRequest)
		return
	}

	member, err := h.Auth.Register(r.Context(), req.Handle, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Failed to register member"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     member.ID,
		"handle": member.Handle,
	})
}

// Login handles member login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle   string `json:"handle"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := h.Auth.Login(r.Context(), req.Handle, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		memberID, err := h.Auth.GetMemberFromToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), memberIDKey, memberID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func memberID(r *http.Request) (int, bool) {
	id, ok := r.Context().Value(memberIDKey).(int)
	return id, ok
}

// CreateAccount opens a wallet owned by the calling member, queued for
// search-store materialization by the minute queue.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	signerID, ok := memberID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Type         string  `json:"type"`
		Handle       string  `json:"handle"`
		DisplayName  string  `json:"display_name"`
		DefaultDenom string  `json:"default_denom"`
		DCOGiveCXX   float64 `json:"dco_give_cxx"`
		DCODenom     string  `json:"dco_denom"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Handle == "" || req.DisplayName == "" {
		http.Error(w, `{"error": "Handle and display name required"}`, http.StatusBadRequest)
		return
	}
	acctType := models.AccountType(req.Type)
	if acctType != models.AccountPersonal && acctType != models.AccountBusiness {
		http.Error(w, `{"error": "Type must be 'PERSONAL' or 'BUSINESS'"}`, http.StatusBadRequest)
		return
	}
	if req.DCOGiveCXX > 0 && models.Denomination(req.DCODenom) == models.DenomCXX {
		http.Error(w, `{"error": "DCO denomination must be a real-world denomination"}`, http.StatusBadRequest)
		return
	}

	acct, err := h.Store.CreateAccount(r.Context(), &models.Account{
		ID:            uuid.NewString(),
		OwnerMemberID: signerID,
		Type:          acctType,
		Handle:        req.Handle,
		DisplayName:   req.DisplayName,
		DefaultDenom:  models.Denomination(req.DefaultDenom),
		Tier:          1,
		DCOGiveCXX:    req.DCOGiveCXX,
		DCODenom:      models.Denomination(req.DCODenom),
	})
	if err != nil {
		http.Error(w, `{"error": "Failed to create account"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     acct.ID,
		"handle": acct.Handle,
	})
}

// OfferCredex handles credex creation and offering
func (h *Handler) OfferCredex(w http.ResponseWriter, r *http.Request) {
	signerID, ok := memberID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		IssuerAccountID   string  `json:"issuer_account_id"`
		ReceiverAccountID string  `json:"receiver_account_id"`
		Denomination      string  `json:"denomination"`
		Amount            float64 `json:"amount"`
		Secured           bool    `json:"secured"`
		DueDate           string  `json:"due_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	authorized, err := h.Store.MayTransact(r.Context(), req.IssuerAccountID, signerID)
	if err != nil || !authorized {
		http.Error(w, `{"error": "Not authorized on issuer account"}`, http.StatusForbidden)
		return
	}

	var dueDate time.Time
	if req.DueDate != "" {
		dueDate, err = time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			http.Error(w, `{"error": "Invalid due date, want YYYY-MM-DD"}`, http.StatusBadRequest)
			return
		}
	}

	credexID, err := h.Credex.CreateAndOffer(r.Context(), credex.OfferRequest{
		IssuerAccountID:   req.IssuerAccountID,
		ReceiverAccountID: req.ReceiverAccountID,
		Denomination:      models.Denomination(req.Denomination),
		Amount:            req.Amount,
		Secured:           req.Secured,
		DueDate:           dueDate,
	})
	if err != nil {
		http.Error(w, `{"error": "Failed to offer credex: `+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"credex_id": credexID})
}

// AcceptCredex accepts an offered credex on behalf of the signer
func (h *Handler) AcceptCredex(w http.ResponseWriter, r *http.Request) {
	signerID, ok := memberID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	credexID := chi.URLParam(r, "id")
	result, err := h.Credex.Accept(r.Context(), credexID, signerID)
	if err != nil {
		http.Error(w, `{"error": "Failed to accept credex: `+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{
		"credex_id":           result.CredexID,
		"acceptor_account_id": result.AcceptorAccountID,
	})
}

// DeclineCredex declines an offered credex
func (h *Handler) DeclineCredex(w http.ResponseWriter, r *http.Request) {
	signerID, ok := memberID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if err := h.Credex.Decline(r.Context(), chi.URLParam(r, "id"), signerID); err != nil {
		http.Error(w, `{"error": "Failed to decline credex: `+err.Error()+`"}`, http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"message": "Credex declined"})
}

// CancelCredex cancels an offered credex
func (h *Handler) CancelCredex(w http.ResponseWriter, r *http.Request) {
	signerID, ok := memberID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if err := h.Credex.Cancel(r.Context(), chi.URLParam(r, "id"), signerID); err != nil {
		http.Error(w, `{"error": "Failed to cancel credex: `+err.Error()+`"}`, http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"message": "Credex cancelled"})
}

// GetSecurableBalance returns the upper bound on new secured issuance for an
// account and denomination.
func (h *Handler) GetSecurableBalance(w http.ResponseWriter, r *http.Request) {
	signerID, ok := memberID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	accountID := chi.URLParam(r, "id")
	authorized, err := h.Store.MayTransact(r.Context(), accountID, signerID)
	if err != nil || !authorized {
		http.Error(w, `{"error": "Not authorized on account"}`, http.StatusForbidden)
		return
	}

	denom := models.Denomination(r.URL.Query().Get("denom"))
	if !models.Supported(denom) {
		http.Error(w, `{"error": "Unsupported denomination"}`, http.StatusBadRequest)
		return
	}

	balance, err := h.Store.SecurableBalance(r.Context(), accountID, denom)
	if err != nil {
		http.Error(w, `{"error": "Failed to compute securable balance"}`, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"account_id":   accountID,
		"denomination": denom,
		"securable":    balance,
	})
}

// GetActiveDay returns the current active day record
func (h *Handler) GetActiveDay(w http.ResponseWriter, r *http.Request) {
	day, err := h.Store.ActiveDay(r.Context())
	if err != nil {
		http.Error(w, `{"error": "No active day"}`, http.StatusServiceUnavailable)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"date":                  day.Date.Format("2006-01-02"),
		"rates":                 day.Rates,
		"cxx_prior_cxx_current": day.CXXPriorCXXCurrent,
		"dco_running":           day.DCORunning,
		"mtq_running":           day.MTQRunning,
	})
}
