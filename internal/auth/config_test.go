package auth

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadConfigTokenTTL(t *testing.T) {
	tests := []struct {
		name    string
		minutes string
		want    time.Duration
	}{
		{name: "default", minutes: "", want: time.Hour},
		{name: "explicit", minutes: "120", want: 2 * time.Hour},
		{name: "non-positive falls back", minutes: "-5", want: time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OSV_JWT_SECRET_KEY", "config-test-secret")
			t.Setenv("OSV_JWT_ACCESS_TOKEN_EXPIRE_MINUTES", tt.minutes)

			cfg, err := LoadConfig(discardLogger())
			if err != nil {
				t.Fatalf("LoadConfig() error: %v", err)
			}

			if cfg.TokenTTL != tt.want {
				t.Errorf("TokenTTL = %v, want %v", cfg.TokenTTL, tt.want)
			}

			if cfg.Ephemeral {
				t.Error("Ephemeral = true with an explicit secret")
			}
		})
	}
}

func TestLoadConfigEphemeralSecret(t *testing.T) {
	t.Setenv("OSV_JWT_SECRET_KEY", "")

	cfg, err := LoadConfig(discardLogger())
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if !cfg.Ephemeral {
		t.Error("Ephemeral = false without a configured secret")
	}

	if len(cfg.Secret()) == 0 {
		t.Error("generated secret is empty")
	}
}
