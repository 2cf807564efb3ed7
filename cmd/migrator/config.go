package main

import (
	"errors"
	"net/url"

	"github.com/osservatorio-istat/osservatorio/internal/config"
)

var errDatabaseURLRequired = errors.New("OSV_DATABASE_URL is required")

// Config holds the migrator's settings, loaded from the environment.
type Config struct {
	// DatabaseURL is the metadata store connection string.
	DatabaseURL string

	// MigrationTable is the table golang-migrate tracks versions in.
	MigrationTable string
}

// LoadConfig reads the migrator configuration from OSV_-prefixed environment
// variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("OSV_DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("OSV_MIGRATION_TABLE", "schema_migrations"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errDatabaseURLRequired
	}

	return cfg, nil
}

// SafeDatabaseURL returns the connection string with any password masked,
// for logging.
func (c *Config) SafeDatabaseURL() string {
	parsed, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return "(unparseable database url)"
	}

	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "xxxxx")
		}
	}

	return parsed.String()
}
