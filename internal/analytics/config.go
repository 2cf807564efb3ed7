package analytics

import (
	"strings"

	"github.com/osservatorio-istat/osservatorio/internal/config"
)

// Config holds analytics store connection configuration.
//
// The analytics store is a separate PostgreSQL endpoint tuned for columnar
// workloads; it carries the istat schema and never shares a database with the
// metadata store.
type Config struct {
	databaseURL  string
	MaxOpenConns int
	MaxIdleConns int
}

const (
	defaultMaxOpenConns = 10
	defaultMaxIdleConns = 2
)

// LoadConfig loads analytics store configuration from environment variables
// with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:  config.GetEnvStr("OSV_ANALYTICS_DATABASE_URL", ""), // databaseURL is private for obvious reasons.
		MaxOpenConns: config.GetEnvInt("OSV_ANALYTICS_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns: config.GetEnvInt("OSV_ANALYTICS_MAX_IDLE_CONNS", defaultMaxIdleConns),
	}
}

// NewConfig builds a Config around an explicit database URL. Used by tests.
func NewConfig(databaseURL string) *Config {
	cfg := LoadConfig()
	cfg.databaseURL = databaseURL

	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrAnalyticsURLEmpty
	}

	return nil
}
