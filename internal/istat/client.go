// Package istat wraps the upstream ISTAT SDMX endpoints with retry, circuit
// breaking, outbound rate limiting, and a last-known-good cache fallback.
package istat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/osservatorio-istat/osservatorio/internal/analytics"
	"github.com/osservatorio-istat/osservatorio/internal/config"
)

var (
	// ErrUpstreamUnavailable is returned when the upstream cannot be reached
	// and no cached payload exists.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrCircuitOpen is returned while the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrDataflowLimit is returned when a dataflow listing requests more than
	// the upstream cap.
	ErrDataflowLimit = fmt.Errorf("dataflow limit must be between 1 and %d", maxDataflowLimit)
)

// Payload sources reported alongside fetched data.
const (
	SourceUpstream      = "upstream"
	SourceCacheFallback = "cache_fallback"
)

// requestBurst is the outbound limiter's token bucket size. Concurrency is
// capped separately by the semaphore sized from MaxConcurrent.
const requestBurst = 1

// DataflowsResult is the outcome of a dataflow listing.
type DataflowsResult struct {
	Dataflows []*Dataflow `json:"dataflows"`
	Source    string      `json:"source"`
	FetchedAt time.Time   `json:"fetched_at"`
}

// DatasetResult is the outcome of a dataset fetch.
type DatasetResult struct {
	DatasetID    string                   `json:"dataset_id"`
	Observations []*analytics.Observation `json:"observations,omitempty"`
	Source       string                   `json:"source"`
	FetchedAt    time.Time                `json:"fetched_at"`
	Quality      *QualityResult           `json:"quality,omitempty"`
}

// SyncResult reports the outcome of a sync into the local stores.
type SyncResult struct {
	DatasetID     string         `json:"dataset_id"`
	RecordsSynced int            `json:"records_synced"`
	SyncTime      time.Time      `json:"sync_time"`
	Source        string         `json:"source"`
	Quality       *QualityResult `json:"quality"`
}

// Status is a snapshot of the ingestion client's health counters.
type Status struct {
	BreakerState   string     `json:"breaker_state"`
	Requests       int64      `json:"requests"`
	Failures       int64      `json:"failures"`
	CacheFallbacks int64      `json:"cache_fallbacks"`
	LastSuccess    *time.Time `json:"last_success,omitempty"`
	RequestsPerMin int        `json:"requests_per_min"`
	RetryAttempts  int        `json:"retry_attempts"`
}

// ObservationSink receives synced observation rows. The analytics store
// satisfies it.
type ObservationSink interface {
	BulkInsert(ctx context.Context, table string, observations []*analytics.Observation) (int, error)
}

// SyncRecorder records sync outcomes against dataset metadata. The dataset
// store satisfies it.
type SyncRecorder interface {
	UpdateSyncStats(ctx context.Context, datasetID string, recordsSynced int, syncTime time.Time) error
}

type cachedEntry struct {
	body      []byte
	fetchedAt time.Time
}

// Client is the resilient SDMX ingestion client. One instance is shared by
// all callers; breaker and limiter state is global across requests.
type Client struct {
	cfg     *Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	logger  *slog.Logger

	mu             sync.Mutex
	fallback       map[string]cachedEntry
	requests       int64
	failures       int64
	cacheFallbacks int64
	lastSuccess    *time.Time
}

// NewClient creates an ingestion client from configuration.
func NewClient(cfg *Config) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "istat-sdmx",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerThreshold)
		},
	})

	perSecond := rate.Limit(float64(cfg.RequestsPerMin) / 60.0)

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	return &Client{
		cfg:      cfg,
		http:     &http.Client{},
		breaker:  breaker,
		limiter:  rate.NewLimiter(perSecond, requestBurst),
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		fallback: map[string]cachedEntry{},
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("OSV_LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// fetch runs one upstream GET through the full resilience stack: a retry
// loop with exponential backoff around the breaker, which wraps the outbound
// rate limiter and a per-attempt timeout. Successful bodies refresh the
// fallback cache keyed by path.
func (c *Client) fetch(ctx context.Context, path string) ([]byte, string, time.Time, error) {
	c.mu.Lock()
	c.requests++
	c.mu.Unlock()

	retries := c.cfg.RetryMaxAttempts - 1
	if retries < 0 {
		retries = 0
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries)),
		ctx,
	)

	var body []byte

	err := backoff.Retry(func() error {
		result, err := c.breaker.Execute(func() (any, error) {
			return c.attempt(ctx, path)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				// Open breaker fails fast; retrying inside the cooldown is
				// pointless.
				return backoff.Permanent(fmt.Errorf("%w: %w", ErrCircuitOpen, err))
			}

			var permanent *permanentError
			if errors.As(err, &permanent) {
				return backoff.Permanent(permanent.err)
			}

			return err
		}

		body = result.([]byte)

		return nil
	}, policy)
	if err != nil {
		c.mu.Lock()
		c.failures++
		entry, cached := c.fallback[path]

		if cached {
			c.cacheFallbacks++
		}
		c.mu.Unlock()

		if cached {
			c.logger.Warn("upstream unavailable, serving cached payload",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			return entry.body, SourceCacheFallback, entry.fetchedAt, nil
		}

		if errors.Is(err, ErrCircuitOpen) {
			return nil, "", time.Time{}, err
		}

		return nil, "", time.Time{}, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	now := time.Now().UTC()

	c.mu.Lock()
	c.fallback[path] = cachedEntry{body: body, fetchedAt: now}
	c.lastSuccess = &now
	c.mu.Unlock()

	return body, SourceUpstream, now, nil
}

// permanentError marks upstream failures that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// attempt performs a single upstream request gated by the concurrency
// semaphore and the outbound rate limiter, with its own timeout budget.
func (c *Client) attempt(ctx context.Context, path string) ([]byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, &permanentError{err: err}
	}
	defer c.sem.Release(1)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &permanentError{err: err}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, &permanentError{err: err}
	}

	req.Header.Set("Accept", "application/xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	// Transient classes retry; anything else is permanent.
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &permanentError{err: fmt.Errorf("upstream returned %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream body: %w", err)
	}

	if int64(len(body)) > c.cfg.MaxResponseBytes {
		return nil, &permanentError{err: ErrResponseTooLarge}
	}

	return body, nil
}

// FetchDataflows lists upstream dataflows, capped at limit (1-100).
func (c *Client) FetchDataflows(ctx context.Context, limit int) (*DataflowsResult, error) {
	if limit <= 0 || limit > maxDataflowLimit {
		return nil, ErrDataflowLimit
	}

	body, source, fetchedAt, err := c.fetch(ctx, "/dataflow/IT1")
	if err != nil {
		return nil, err
	}

	dataflows, err := ParseDataflows(bytes.NewReader(body), c.cfg.MaxResponseBytes)
	if err != nil {
		return nil, err
	}

	if len(dataflows) > limit {
		dataflows = dataflows[:limit]
	}

	return &DataflowsResult{Dataflows: dataflows, Source: source, FetchedAt: fetchedAt}, nil
}

// FetchDataset retrieves one upstream dataset. When includeData is false only
// the fetch is verified and no observations are parsed.
func (c *Client) FetchDataset(ctx context.Context, datasetID string, includeData bool) (*DatasetResult, error) {
	body, source, fetchedAt, err := c.fetch(ctx, "/data/"+datasetID)
	if err != nil {
		return nil, err
	}

	result := &DatasetResult{DatasetID: datasetID, Source: source, FetchedAt: fetchedAt}

	if !includeData {
		return result, nil
	}

	observations, err := ParseObservations(bytes.NewReader(body), datasetID, c.cfg.MaxResponseBytes)
	if err != nil {
		return nil, err
	}

	result.Observations = observations

	return result, nil
}

// FetchWithQualityValidation retrieves a dataset with data and attaches the
// quality report.
func (c *Client) FetchWithQualityValidation(ctx context.Context, datasetID string) (*DatasetResult, error) {
	result, err := c.FetchDataset(ctx, datasetID, true)
	if err != nil {
		return nil, err
	}

	result.Quality = ValidateQuality(datasetID, result.Observations)

	return result, nil
}

// SyncToRepository fetches a dataset and writes it into the local stores:
// observations first (idempotent upsert on the natural key), then the
// metadata sync counters. Partial success reports the records written.
func (c *Client) SyncToRepository(ctx context.Context, datasetID string, sink ObservationSink, recorder SyncRecorder) (*SyncResult, error) {
	fetched, err := c.FetchWithQualityValidation(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	syncTime := time.Now().UTC()

	result := &SyncResult{
		DatasetID: datasetID,
		SyncTime:  syncTime,
		Source:    fetched.Source,
		Quality:   fetched.Quality,
	}

	if len(fetched.Observations) > 0 {
		inserted, err := sink.BulkInsert(ctx, "istat_observations", fetched.Observations)
		result.RecordsSynced = inserted

		if err != nil {
			return result, fmt.Errorf("sync wrote %d of %d records: %w", inserted, len(fetched.Observations), err)
		}
	}

	if err := recorder.UpdateSyncStats(ctx, datasetID, result.RecordsSynced, syncTime); err != nil {
		return result, fmt.Errorf("observations synced but metadata update failed: %w", err)
	}

	c.logger.Info("dataset synced",
		slog.String("dataset_id", datasetID),
		slog.Int("records_synced", result.RecordsSynced),
		slog.String("source", fetched.Source),
	)

	return result, nil
}

// Status returns a snapshot of the client's counters and breaker state.
func (c *Client) Status() *Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &Status{
		BreakerState:   c.breaker.State().String(),
		Requests:       c.requests,
		Failures:       c.failures,
		CacheFallbacks: c.cacheFallbacks,
		LastSuccess:    c.lastSuccess,
		RequestsPerMin: c.cfg.RequestsPerMin,
		RetryAttempts:  c.cfg.RetryMaxAttempts,
	}
}

// HealthCheck probes the upstream with a minimal dataflow request.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, _, _, err := c.fetch(ctx, "/dataflow/IT1/all/latest?detail=allstubs")

	return err
}
