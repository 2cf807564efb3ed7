package istat

import (
	"time"

	"github.com/osservatorio-istat/osservatorio/internal/config"
)

const (
	defaultBaseURL = "https://esploradati.istat.it/SDMXWS/rest"

	defaultUpstreamTimeout  = 10 * time.Second
	defaultRetryMaxAttempts = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 60 * time.Second
	defaultRequestsPerMin   = 30
	defaultMaxConcurrent    = 4
	defaultMaxResponseBytes = 50 << 20 // 50 MB

	// maxDataflowLimit caps upstream dataflow listings.
	maxDataflowLimit = 100
)

// Config holds ingestion client configuration.
type Config struct {
	BaseURL          string
	UpstreamTimeout  time.Duration
	RetryMaxAttempts int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	RequestsPerMin   int
	MaxConcurrent    int
	MaxResponseBytes int64
}

// LoadConfig loads ingestion configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		BaseURL:          config.GetEnvStr("OSV_ISTAT_BASE_URL", defaultBaseURL),
		UpstreamTimeout:  config.GetEnvDuration("OSV_UPSTREAM_TIMEOUT", defaultUpstreamTimeout),
		RetryMaxAttempts: config.GetEnvInt("OSV_RETRY_MAX_ATTEMPTS", defaultRetryMaxAttempts),
		BreakerThreshold: config.GetEnvInt("OSV_CIRCUIT_BREAKER_THRESHOLD", defaultBreakerThreshold),
		BreakerCooldown:  config.GetEnvDuration("OSV_CIRCUIT_BREAKER_COOLDOWN", defaultBreakerCooldown),
		RequestsPerMin:   config.GetEnvInt("OSV_ISTAT_REQUESTS_PER_MIN", defaultRequestsPerMin),
		MaxConcurrent:    config.GetEnvInt("OSV_ISTAT_MAX_CONCURRENT", defaultMaxConcurrent),
		MaxResponseBytes: config.GetEnvInt64("OSV_ISTAT_MAX_RESPONSE_BYTES", defaultMaxResponseBytes),
	}
}
