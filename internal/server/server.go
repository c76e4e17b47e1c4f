package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpvault/internal/domain"
	"github.com/alanyoungcy/perpvault/internal/server/handler"
	"github.com/alanyoungcy/perpvault/internal/server/middleware"
	"github.com/alanyoungcy/perpvault/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit is requests per client per RateLimitWindow; 0 disables
	// limiting.
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health *handler.HealthHandler
	Status *handler.StatusHandler
	Bonds  *handler.BondHandler
	Perp   *handler.PerpHandler
	Vault  *handler.VaultHandler
	Audit  *handler.AuditHandler
}

// Server is the headless HTTP + WebSocket API for the claim engine and vault.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches the
// WebSocket hub. The rate limiter may be nil to disable limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Backend status.
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Bond queue endpoints.
	mux.HandleFunc("GET /api/bonds", handlers.Bonds.ListBonds)
	mux.HandleFunc("GET /api/bonds/minting", handlers.Bonds.MintingBond)
	mux.HandleFunc("GET /api/bonds/burning", handlers.Bonds.BurningBond)
	mux.HandleFunc("GET /api/bonds/yields", handlers.Bonds.ListYields)
	mux.HandleFunc("POST /api/bonds/yields", handlers.Bonds.SetYields)
	mux.HandleFunc("GET /api/bonds/price/{token}", handlers.Bonds.GetPrice)

	// Claim engine endpoints.
	mux.HandleFunc("GET /api/perp/reserve", handlers.Perp.GetReserve)
	mux.HandleFunc("POST /api/perp/deposit", handlers.Perp.Deposit)
	mux.HandleFunc("POST /api/perp/redeem", handlers.Perp.Redeem)
	mux.HandleFunc("POST /api/perp/icebox", handlers.Perp.RedeemIcebox)
	mux.HandleFunc("POST /api/perp/rollover", handlers.Perp.Rollover)

	// Vault endpoints.
	mux.HandleFunc("GET /api/vault", handlers.Vault.GetState)
	mux.HandleFunc("GET /api/vault/preview/mint", handlers.Vault.PreviewMint)
	mux.HandleFunc("GET /api/vault/preview/redeem", handlers.Vault.PreviewRedeem)
	mux.HandleFunc("POST /api/vault/deposit", handlers.Vault.Deposit)
	mux.HandleFunc("POST /api/vault/redeem", handlers.Vault.Redeem)
	mux.HandleFunc("POST /api/vault/deploy", handlers.Vault.Deploy)
	mux.HandleFunc("POST /api/vault/recover", handlers.Vault.Recover)
	mux.HandleFunc("POST /api/vault/swap", handlers.Vault.Swap)

	// Audit log.
	mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply per-client rate limiting when configured.
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
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
		mux:        mux,
		logger:     logger,
	}
}

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
