// Package server is the HTTP and WebSocket surface of the bond service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/proposalbond/internal/domain"
	"github.com/alanyoungcy/proposalbond/internal/server/handler"
	"github.com/alanyoungcy/proposalbond/internal/server/middleware"
	"github.com/alanyoungcy/proposalbond/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Events and Sim are optional.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Bonds     *handler.BondHandler
	Proposals *handler.ProposalHandler
	Events    *handler.EventHandler
	Sim       *handler.SimHandler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// limiter may be nil, which disables rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, wsHub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed and wrapped handler tree.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Bond ledger.
	mux.HandleFunc("GET /api/bonds/price", handlers.Bonds.Price)
	mux.HandleFunc("GET /api/bonds/calculate", handlers.Bonds.Calculate)
	mux.HandleFunc("GET /api/bonds/balances", handlers.Bonds.Balances)
	mux.HandleFunc("GET /api/bonds", handlers.Bonds.ListBonds)
	mux.HandleFunc("GET /api/bonds/{id}", handlers.Bonds.GetBond)
	mux.HandleFunc("POST /api/bonds/{id}/refund", handlers.Bonds.Refund)
	mux.HandleFunc("POST /api/bonds/{id}/forfeit", handlers.Bonds.Forfeit)
	mux.HandleFunc("POST /api/bonds/{id}/settle", handlers.Bonds.Settle)

	// Proposals.
	mux.HandleFunc("POST /api/proposals", handlers.Proposals.Propose)

	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)
	}

	// Simulated governor and token.
	if handlers.Sim != nil {
		mux.HandleFunc("GET /api/sim/proposals/{id}", handlers.Sim.GetProposal)
		mux.HandleFunc("POST /api/sim/proposals/{id}/votes", handlers.Sim.CastVote)
		mux.HandleFunc("POST /api/sim/proposals/{id}/{action}", handlers.Sim.Transition)
		mux.HandleFunc("POST /api/sim/token/mint", handlers.Sim.Mint)
		mux.HandleFunc("POST /api/sim/token/approve", handlers.Sim.Approve)
		mux.HandleFunc("GET /api/sim/token/balances/{account}", handlers.Sim.Balance)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = limitMutating(h, middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h))
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// limitMutating sends POST requests through limited and everything else
// straight to next.
func limitMutating(next, limited http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			limited.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
