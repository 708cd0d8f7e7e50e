// Package server is the node's HTTP and WebSocket API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/metrics"
	"github.com/alanyoungcy/shootperps/internal/server/handler"
	"github.com/alanyoungcy/shootperps/internal/server/middleware"
	"github.com/alanyoungcy/shootperps/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health *handler.HealthHandler
	Ledger *handler.LedgerHandler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain. wsHub
// and limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	auth := middleware.Auth(cfg.APIKey)
	lh := handlers.Ledger

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", metrics.Handler())

	// Writes.
	mux.Handle("POST /v1/tx", auth(http.HandlerFunc(lh.Submit)))
	mux.Handle("POST /v1/callbacks", auth(http.HandlerFunc(lh.Callback)))

	// Account reads.
	mux.HandleFunc("GET /v1/perpetuals", lh.GetPerpetuals)
	mux.HandleFunc("GET /v1/pools/{address}", lh.GetPool)
	mux.HandleFunc("GET /v1/custodies/{address}", lh.GetCustody)
	mux.HandleFunc("GET /v1/custodies/{address}/oracle", lh.GetOracle)
	mux.HandleFunc("GET /v1/positions/{address}", lh.GetPosition)
	mux.HandleFunc("GET /v1/owners/{owner}/positions", lh.ListPositions)
	mux.HandleFunc("GET /v1/balances/{mint}/{owner}", lh.GetBalance)

	// Computations.
	mux.HandleFunc("GET /v1/computations", lh.ListPending)
	mux.HandleFunc("GET /v1/computations/{offset}", lh.GetComputation)
	mux.HandleFunc("GET /v1/finalizations/{offset}", lh.GetFinalization)
	mux.HandleFunc("GET /v1/cluster/key", lh.GetClusterKey)

	// Events.
	mux.HandleFunc("GET /v1/events/log", lh.ListEvents)
	if wsHub != nil {
		mux.HandleFunc("GET /v1/events", wsHub.HandleWS)
	}

	// metrics.Middleware reads r.Pattern, so it wraps the mux directly.
	var h http.Handler = metrics.Middleware(mux)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
