// Command migrator manages the metadata store schema. Migrations are
// embedded in the binary, so deployments need only a database URL.
//
// Usage:
//
//	migrator up       apply all pending migrations
//	migrator down     roll back the most recent migration
//	migrator version  show the current schema version
//	migrator drop     drop every table (requires --yes)
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/osservatorio-istat/osservatorio/internal/config"
)

func main() {
	confirm := flag.Bool("yes", false, "confirm destructive operations")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("OSV_LOG_LEVEL", slog.LevelInfo),
	}))

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: migrator [--yes] up|down|version|drop")
		os.Exit(2)
	}

	command := flag.Arg(0)

	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Connecting to metadata store", "database_url", cfg.SafeDatabaseURL())

	runner, err := NewRunner(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize migration runner", "error", err)
		os.Exit(1)
	}

	defer func() {
		if err := runner.Close(); err != nil {
			logger.Warn("Cleanup failed", "error", err)
		}
	}()

	if err := run(command, runner, *confirm); err != nil {
		logger.Error("Migration command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func run(command string, runner *Runner, confirm bool) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "version":
		return runner.Version()
	case "drop":
		if !confirm {
			return fmt.Errorf("drop destroys every table; rerun with --yes to confirm")
		}

		return runner.Drop()
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
