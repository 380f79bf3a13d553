package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/credcoin/clearing/internal/api"
	"github.com/credcoin/clearing/internal/auth"
	"github.com/credcoin/clearing/internal/config"
	"github.com/credcoin/clearing/internal/credex"
	"github.com/credcoin/clearing/internal/db"
	"github.com/credcoin/clearing/internal/dco"
	"github.com/credcoin/clearing/internal/loopfinder"
	"github.com/credcoin/clearing/internal/models"
	"github.com/credcoin/clearing/internal/mtq"
	"github.com/credcoin/clearing/internal/rates"
	"github.com/credcoin/clearing/internal/searchstore"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// hub fans netted-loop events out to connected websocket observers.
type hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	log     *zap.Logger
}

func newHub(log *zap.Logger) *hub {
	return &hub{clients: make(map[*wsClient]bool), log: log}
}

func (h *hub) broadcast(event models.LoopEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("failed to marshal loop event", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
		}
	}
}

func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	// Keep connection alive and handle disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			break
		}
	}
}

// rebuildMirror replays every outstanding accepted credex from the ledger
// into a fresh search store.
func rebuildMirror(ctx context.Context, database *db.DB, logger *zap.Logger) (*searchstore.Store, error) {
	mirror := searchstore.New()
	credexes, err := database.OutstandingOwes(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range credexes {
		mirror.AddAccount(c.IssuerAccountID)
		mirror.AddAccount(c.ReceiverAccountID)
		mirror.Register(c.ObligationType(), searchstore.Entry{
			CredexID:      c.ID,
			Issuer:        c.IssuerAccountID,
			Receiver:      c.ReceiverAccountID,
			Outstanding:   c.OutstandingAmount,
			Denomination:  c.Denomination,
			CXXMultiplier: c.CXXMultiplier,
			DueDate:       c.DueDate,
		})
	}
	logger.Info("rebuilt search store from ledger", zap.Int("credexes", mirror.Len()))
	return mirror, nil
}

// runDCODaily fires the daily run whenever the active day's date falls
// behind the wall clock at the configured hour.
func runDCODaily(ctx context.Context, job *dco.Job, database *db.DB, hourUTC int, logger *zap.Logger) {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		day, err := database.ActiveDay(ctx)
		if err != nil {
			logger.Error("daily trigger failed to read active day", zap.Error(err))
			continue
		}
		if !day.Date.Before(time.Now().UTC().Truncate(24 * time.Hour)) {
			logger.Info("daily trigger: active day is current, nothing to do")
			continue
		}
		if !job.Execute(ctx) {
			logger.Error("daily run failed; will retry on next trigger")
		}
	}
}

// Main entry point: sets up the ledger store, search store, batch jobs, and
// HTTP server.
func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic("failed to initialize zap logger: " + err.Error())
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)

	mirror, err := rebuildMirror(ctx, database, logger)
	if err != nil {
		logger.Fatal("failed to rebuild search store", zap.Error(err))
	}

	eventHub := newHub(logger)

	finder := loopfinder.New(database, mirror, logger)
	finder.OnLoop = eventHub.broadcast

	queue := mtq.New(database, mirror, finder, logger, cfg.MTQBailAfter)

	provider := rates.NewHTTPProvider(cfg.RateProviderURL, cfg.ZIGRateURL)
	credexService := credex.NewService(database, logger)
	dailyJob := dco.New(database, credexService, mirror, provider, logger, cfg.DCOPollEvery)

	authService := auth.NewAuthService(database, cfg.JWTSecret)
	handler := api.NewHandler(database, credexService, authService)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Live netted-loop feed
	r.Get("/ws", eventHub.handleWebSocket)

	// Public endpoints
	r.Post("/members", handler.Register)
	r.Post("/login", handler.Login)
	r.Get("/day", handler.GetActiveDay)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/accounts", handler.CreateAccount)
		r.Post("/credexes", handler.OfferCredex)
		r.Post("/credexes/{id}/accept", handler.AcceptCredex)
		r.Post("/credexes/{id}/decline", handler.DeclineCredex)
		r.Post("/credexes/{id}/cancel", handler.CancelCredex)
		r.Get("/accounts/{id}/securable", handler.GetSecurableBalance)
	})

	// Per-minute queue drain
	go func() {
		ticker := time.NewTicker(cfg.MTQInterval)
		defer ticker.Stop()
		for range ticker.C {
			queue.Run(ctx)
		}
	}()

	// Daily offering
	go runDCODaily(ctx, dailyJob, database, cfg.DCOHourUTC, logger)

	logger.Info("starting server", zap.String("addr", cfg.ListenAddr))
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
