package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/osservatorio-istat/osservatorio/migrations"
)

// Runner drives golang-migrate over the embedded migration set.
type Runner struct {
	migrate *migrate.Migrate
	db      *sql.DB
	logger  *slog.Logger
}

// NewRunner validates the embedded migrations, connects to the metadata
// store, and prepares a migrate instance reading from the embedded files.
func NewRunner(cfg *Config, logger *slog.Logger) (*Runner, error) {
	if err := migrations.Validate(); err != nil {
		return nil, fmt.Errorf("embedded migrations are invalid: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping metadata store: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: cfg.MigrationTable,
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create postgres driver: %w", err)
	}

	source, err := iofs.New(migrations.Files, ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("open embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	return &Runner{migrate: m, db: db, logger: logger}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	err := r.migrate.Up()

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		r.logger.Info("No pending migrations")
	case err != nil:
		return fmt.Errorf("migrate up: %w", err)
	default:
		r.logger.Info("All pending migrations applied")
	}

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	err := r.migrate.Steps(-1)

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		r.logger.Info("No migrations to roll back")
	case err != nil:
		return fmt.Errorf("migrate down: %w", err)
	default:
		r.logger.Info("Rolled back one migration")
	}

	return nil
}

// Version logs the current schema version and whether the state is dirty.
func (r *Runner) Version() error {
	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		r.logger.Info("No migrations applied yet")

		return nil
	}

	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	r.logger.Info("Current schema version",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)

	return nil
}

// Drop removes every table in the target schema.
func (r *Runner) Drop() error {
	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop schema: %w", err)
	}

	r.logger.Warn("All tables dropped")

	return nil
}

// Close releases the migrate source and the database connection.
func (r *Runner) Close() error {
	var errs []error

	sourceErr, dbErr := r.migrate.Close()
	if sourceErr != nil {
		errs = append(errs, fmt.Errorf("close migration source: %w", sourceErr))
	}

	if dbErr != nil {
		errs = append(errs, fmt.Errorf("close migrate database handle: %w", dbErr))
	}

	if err := r.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close metadata store: %w", err))
	}

	return errors.Join(errs...)
}
