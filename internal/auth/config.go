package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/osservatorio-istat/osservatorio/internal/config"
)

const (
	defaultTokenTTL     = time.Hour
	defaultTokenMinutes = 60
)

// Config holds auth configuration: the HMAC secret for token signing and the
// token lifetime.
type Config struct {
	secret    []byte
	TokenTTL  time.Duration
	Ephemeral bool
}

// LoadConfig loads auth configuration from environment variables. When
// OSV_JWT_SECRET_KEY is unset a random secret is generated so the service
// still boots; every restart then invalidates outstanding tokens, which is
// logged loudly.
func LoadConfig(logger *slog.Logger) (*Config, error) {
	minutes := config.GetEnvInt("OSV_JWT_ACCESS_TOKEN_EXPIRE_MINUTES", defaultTokenMinutes)
	if minutes <= 0 {
		minutes = defaultTokenMinutes
	}

	cfg := &Config{
		TokenTTL: time.Duration(minutes) * time.Minute,
	}

	secret := config.GetEnvStr("OSV_JWT_SECRET_KEY", "")
	if secret != "" {
		cfg.secret = []byte(secret)

		return cfg, nil
	}

	generated := make([]byte, 32)
	if _, err := rand.Read(generated); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral JWT secret: %w", err)
	}

	cfg.secret = []byte(base64.RawURLEncoding.EncodeToString(generated))
	cfg.Ephemeral = true

	logger.Warn("OSV_JWT_SECRET_KEY not set, using ephemeral secret; tokens will not survive restarts")

	return cfg, nil
}

// NewConfig builds a Config around an explicit secret. Used by tests.
func NewConfig(secret string, tokenTTL time.Duration) *Config {
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}

	return &Config{secret: []byte(secret), TokenTTL: tokenTTL}
}

// Secret exposes the signing secret to the minter and cipher constructors.
func (c *Config) Secret() []byte {
	return c.secret
}
