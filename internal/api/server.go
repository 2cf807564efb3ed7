// Package api provides the HTTP API server for the Osservatorio service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/osservatorio-istat/osservatorio/internal/analytics"
	"github.com/osservatorio-istat/osservatorio/internal/api/middleware"
	"github.com/osservatorio-istat/osservatorio/internal/auth"
	"github.com/osservatorio-istat/osservatorio/internal/dataflow"
	"github.com/osservatorio-istat/osservatorio/internal/istat"
	"github.com/osservatorio-istat/osservatorio/internal/query"
	"github.com/osservatorio-istat/osservatorio/internal/repository"
	"github.com/osservatorio-istat/osservatorio/internal/rules"
	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

// Dependencies bundles the domain components the server routes into.
// Optional members (Auth, Limiter, Audit) disable their middleware when nil.
type Dependencies struct {
	Repo      *repository.Repository
	Auth      *auth.Service
	Keys      *storage.APIKeyStore
	Datasets  *storage.DatasetStore
	Audit     *storage.AuditStore
	Rules     *rules.Service
	Analyzer  *dataflow.Analyzer
	Istat     *istat.Client
	Analytics *analytics.Store
	Runner    *query.Runner
	Conn      *storage.Connection
	Limiter   middleware.RateLimiter
}

// Server represents the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	config     *ServerConfig
	startTime  time.Time
	deps       Dependencies
}

// NewServer creates a new HTTP server instance with structured logging and
// the full middleware stack.
//
// Dependencies are injected explicitly rather than being part of
// ServerConfig, separating configuration (what) from dependencies (how).
func NewServer(cfg *ServerConfig, deps Dependencies) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	mux := http.NewServeMux()

	server := &Server{
		logger: logger,
		config: cfg,
		deps:   deps,
	}

	server.setupRoutes(mux)

	var verifier middleware.TokenVerifier
	if deps.Auth != nil {
		verifier = deps.Auth
	} else {
		logger.Warn("Auth service not configured - bearer authentication disabled")
	}

	var recorder middleware.AuditRecorder
	if deps.Audit != nil {
		recorder = deps.Audit
	}

	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - stamp every response, even panics
	//   2. Recovery - catch panics in all downstream middleware
	//   3. CORS - header manipulation and preflight
	//   4. Gzip - compress before timing so the header covers handler work only
	//   5. ProcessTime - X-Process-Time on every response
	//   6. Auth - identify the caller and set the Principal
	//   7. RateLimit - per-key windows, blocks before expensive work
	//   8. Audit - one audit row per authenticated request
	//   9. RequestLogger - log only requests that passed the gates
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
		middleware.WithGzip(),
		middleware.WithProcessTime(),
		middleware.WithAuth(verifier, logger),
		middleware.WithRateLimit(deps.Limiter, logger),
		middleware.WithAudit(recorder, logger),
		middleware.WithRequestLogger(logger),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Handler exposes the fully wrapped handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting Osservatorio API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server and closes the stores.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if s.deps.Analytics != nil {
		if err := s.deps.Analytics.Close(); err != nil {
			s.logger.Error("Failed to close analytics store", slog.String("error", err.Error()))
		}
	}

	if s.deps.Conn != nil {
		if err := s.deps.Conn.Close(); err != nil {
			s.logger.Error("Failed to close metadata connection", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
