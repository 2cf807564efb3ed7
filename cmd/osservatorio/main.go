// Package main provides the Osservatorio statistics service.
//
// The service joins a transactional metadata store with a columnar analytics
// store behind one HTTP API, ingests SDMX dataflows from ISTAT, and exposes
// an OData surface for business-intelligence clients.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/osservatorio-istat/osservatorio/internal/analytics"
	"github.com/osservatorio-istat/osservatorio/internal/api"
	"github.com/osservatorio-istat/osservatorio/internal/auth"
	"github.com/osservatorio-istat/osservatorio/internal/config"
	"github.com/osservatorio-istat/osservatorio/internal/dataflow"
	"github.com/osservatorio-istat/osservatorio/internal/istat"
	"github.com/osservatorio-istat/osservatorio/internal/query"
	"github.com/osservatorio-istat/osservatorio/internal/repository"
	"github.com/osservatorio-istat/osservatorio/internal/rules"
	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "osservatorio"
)

const startupTimeout = 30 * time.Second

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting Osservatorio service",
		slog.String("service", name),
		slog.String("version", version),
	)

	// Metadata store. Schema is managed by the migrator binary.
	storageConfig := storage.LoadConfig()

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to metadata store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Metadata store connected",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	deps, err := buildDependencies(ctx, conn, logger)
	if err != nil {
		logger.Error("Failed to initialize service", slog.String("error", err.Error()))

		_ = conn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	server := api.NewServer(serverConfig, deps)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Osservatorio service stopped")
}

// buildDependencies wires the stores and domain services into the server's
// dependency set. The connection is owned by the caller until the server
// takes over on Start.
func buildDependencies(ctx context.Context, conn *storage.Connection, logger *slog.Logger) (api.Dependencies, error) {
	authConfig, err := auth.LoadConfig(logger)
	if err != nil {
		return api.Dependencies{}, err
	}

	// The scope cipher derives its key from the JWT secret, so deployments
	// manage a single credential.
	cipher, err := auth.NewAESCipherFromSecret(string(authConfig.Secret()))
	if err != nil {
		return api.Dependencies{}, err
	}

	keys, err := storage.NewAPIKeyStore(conn, cipher)
	if err != nil {
		return api.Dependencies{}, err
	}

	revocations, err := storage.NewRevocationStore(conn)
	if err != nil {
		return api.Dependencies{}, err
	}

	datasets, err := storage.NewDatasetStore(conn)
	if err != nil {
		return api.Dependencies{}, err
	}

	audit, err := storage.NewAuditStore(conn)
	if err != nil {
		return api.Dependencies{}, err
	}

	preferences, err := storage.NewPreferenceStore(conn)
	if err != nil {
		return api.Dependencies{}, err
	}

	rateLimits, err := storage.NewRateLimitStore(conn)
	if err != nil {
		return api.Dependencies{}, err
	}

	rulesStore, err := storage.NewRulesStore(conn)
	if err != nil {
		return api.Dependencies{}, err
	}

	deps := api.Dependencies{
		Keys:     keys,
		Datasets: datasets,
		Audit:    audit,
		Conn:     conn,
	}

	if config.GetEnvBool("OSV_AUTH_ENABLED", true) {
		authService, err := auth.NewService(keys, revocations, authConfig)
		if err != nil {
			return api.Dependencies{}, err
		}

		deps.Auth = authService
		deps.Limiter = api.NewStoreRateLimiter(rateLimits, keys)
	} else {
		logger.Warn("Authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set OSV_AUTH_ENABLED=true to enable bearer authentication"),
		)
	}

	// Analytics store for observations. The istat schema is created on
	// startup; it lives in a separate database tuned for scans.
	analyticsConfig := analytics.LoadConfig()
	if err := analyticsConfig.Validate(); err != nil {
		return api.Dependencies{}, err
	}

	analyticsStore := analytics.NewStore(analyticsConfig)
	if err := analyticsStore.EnsureSchema(ctx); err != nil {
		return api.Dependencies{}, err
	}

	deps.Analytics = analyticsStore

	cache := query.NewCacheFromEnv()
	deps.Runner = query.NewRunner(analyticsStore, cache)

	deps.Repo = repository.New(conn, datasets, analyticsStore, audit, preferences, cache)

	rulesService := rules.NewService(rulesStore)
	if _, err := rulesService.Seed(ctx, rules.LoadSeedFromEnv()); err != nil {
		// Seeding is best-effort; the rules API still works without it.
		logger.Warn("Rule seeding failed", slog.String("error", err.Error()))
	}

	deps.Rules = rulesService

	istatConfig := istat.LoadConfig()
	deps.Istat = istat.NewClient(istatConfig)
	deps.Analyzer = dataflow.NewAnalyzer(rulesService, istatConfig.BaseURL, istatConfig.MaxResponseBytes)

	return deps, nil
}
