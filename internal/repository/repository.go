// Package repository is the facade joining the metadata and analytics
// stores into single dataset views, with a write-through preference cache
// and audited analytics queries.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/osservatorio-istat/osservatorio/internal/analytics"
	"github.com/osservatorio-istat/osservatorio/internal/config"
	"github.com/osservatorio-istat/osservatorio/internal/query"
	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

const defaultPreferenceCacheMinutes = 5

// MetadataStore is the dataset persistence surface the repository needs.
type MetadataStore interface {
	InsertTx(ctx context.Context, tx *sql.Tx, d *storage.Dataset) error
	DeleteTx(ctx context.Context, tx *sql.Tx, datasetID string) error
	Get(ctx context.Context, datasetID string) (*storage.Dataset, error)
	List(ctx context.Context, category, status string) ([]*storage.Dataset, error)
	UpdateStatus(ctx context.Context, datasetID, status string) error
}

// AnalyticsStore is the columnar persistence surface the repository needs.
type AnalyticsStore interface {
	RegisterDataset(ctx context.Context, datasetID string) error
	UnregisterDataset(ctx context.Context, datasetID string) error
	DatasetStats(ctx context.Context, datasetID string) (*analytics.DatasetStats, error)
	HasData(ctx context.Context, datasetID string) (bool, error)
	TimeSeries(ctx context.Context, datasetID, territoryCode, measureCode string, startYear, endYear int) ([]*analytics.Observation, error)
	ExecuteQuery(ctx context.Context, query string, params ...any) ([]map[string]any, error)
	HealthCheck(ctx context.Context) error
	Stats() *sql.DBStats
}

// AuditSink receives audit entries, transactionally or through the pool.
type AuditSink interface {
	Append(ctx context.Context, entry *storage.AuditEntry) error
	AppendTx(ctx context.Context, tx *sql.Tx, entry *storage.AuditEntry) error
}

// PreferenceBackend is the persistent side of the preference cache.
type PreferenceBackend interface {
	Upsert(ctx context.Context, userID, key string, value storage.PreferenceValue) error
	Get(ctx context.Context, userID, key string) (storage.PreferenceValue, error)
}

// Transactor runs a function inside one metadata store transaction.
type Transactor interface {
	Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error
	HealthCheck(ctx context.Context) error
	Stats() sql.DBStats
}

// DatasetComplete is the joined metadata + analytics view of one dataset.
type DatasetComplete struct {
	*storage.Dataset

	HasAnalyticsData bool                    `json:"has_analytics_data"`
	AnalyticsStats   *analytics.DatasetStats `json:"analytics_stats,omitempty"`
	AnalyticsError   string                  `json:"analytics_error,omitempty"`
}

// SystemStatus is the aggregate health payload. Per-store failures land in
// the payload instead of propagating.
type SystemStatus struct {
	Metadata  ComponentStatus  `json:"metadata"`
	Analytics ComponentStatus  `json:"analytics"`
	Cache     query.CacheStats `json:"cache"`
	Timestamp time.Time        `json:"timestamp"`
}

// ComponentStatus is one store's health and statistics.
type ComponentStatus struct {
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Stats  map[string]any `json:"stats,omitempty"`
}

type cachedPreference struct {
	value     storage.PreferenceValue
	expiresAt time.Time
}

// Repository joins the two stores behind one facade. The mutex guards the
// in-process preference cache; persistent state relies on store transactions.
type Repository struct {
	conn        Transactor
	datasets    MetadataStore
	analytics   AnalyticsStore
	audit       AuditSink
	preferences PreferenceBackend
	queryCache  *query.Cache
	logger      *slog.Logger

	mu        sync.Mutex
	prefCache map[string]cachedPreference
}

// New creates the repository facade.
func New(conn Transactor, datasets MetadataStore, analyticsStore AnalyticsStore, audit AuditSink, preferences PreferenceBackend, queryCache *query.Cache) *Repository {
	return &Repository{
		conn:        conn,
		datasets:    datasets,
		analytics:   analyticsStore,
		audit:       audit,
		preferences: preferences,
		queryCache:  queryCache,
		prefCache:   map[string]cachedPreference{},
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("OSV_LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// RegisterDatasetComplete writes dataset metadata and its audit entry in one
// transaction, then ensures the analytics schema. When the analytics side
// fails the metadata write is compensated so no half-registered dataset
// survives.
func (r *Repository) RegisterDatasetComplete(ctx context.Context, dataset *storage.Dataset, userID string) error {
	err := r.conn.Transaction(ctx, func(tx *sql.Tx) error {
		if err := r.datasets.InsertTx(ctx, tx, dataset); err != nil {
			return err
		}

		return r.audit.AppendTx(ctx, tx, &storage.AuditEntry{
			UserID:       userID,
			Action:       "register_dataset",
			ResourceType: "dataset",
			ResourceID:   dataset.DatasetID,
			Success:      true,
		})
	})
	if err != nil {
		return err
	}

	if err := r.analytics.RegisterDataset(ctx, dataset.DatasetID); err != nil {
		r.logger.Error("analytics registration failed, rolling back metadata",
			slog.String("dataset_id", dataset.DatasetID),
			slog.String("error", err.Error()),
		)

		compErr := r.conn.Transaction(ctx, func(tx *sql.Tx) error {
			if derr := r.datasets.DeleteTx(ctx, tx, dataset.DatasetID); derr != nil {
				return derr
			}

			return r.audit.AppendTx(ctx, tx, &storage.AuditEntry{
				UserID:       userID,
				Action:       "register_dataset_rollback",
				ResourceType: "dataset",
				ResourceID:   dataset.DatasetID,
				Success:      false,
				ErrorMessage: err.Error(),
			})
		})
		if compErr != nil {
			r.logger.Error("metadata rollback failed",
				slog.String("dataset_id", dataset.DatasetID),
				slog.String("error", compErr.Error()),
			)
		}

		return fmt.Errorf("analytics registration failed: %w", err)
	}

	return nil
}

// GetDatasetComplete joins dataset metadata with its analytics stats.
// Returns storage.ErrNotFound when the dataset is unknown; an unreachable
// analytics store degrades into the AnalyticsError field.
func (r *Repository) GetDatasetComplete(ctx context.Context, datasetID string) (*DatasetComplete, error) {
	dataset, err := r.datasets.Get(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	complete := &DatasetComplete{Dataset: dataset}

	stats, err := r.analytics.DatasetStats(ctx, datasetID)
	if err != nil {
		complete.AnalyticsError = err.Error()
		r.logger.Warn("analytics stats unavailable",
			slog.String("dataset_id", datasetID),
			slog.String("error", err.Error()),
		)

		return complete, nil
	}

	complete.AnalyticsStats = stats
	complete.HasAnalyticsData = stats.RecordCount > 0

	return complete, nil
}

// ListDatasetsComplete lists datasets annotated with has_analytics_data.
// withAnalytics filters on observation presence: true keeps datasets with
// data plus those whose analytics state is unknown, false keeps empty ones.
func (r *Repository) ListDatasetsComplete(ctx context.Context, category string, withAnalytics *bool) ([]*DatasetComplete, error) {
	datasets, err := r.datasets.List(ctx, category, "")
	if err != nil {
		return nil, err
	}

	out := []*DatasetComplete{}

	for _, dataset := range datasets {
		complete := &DatasetComplete{Dataset: dataset}

		hasData, err := r.analytics.HasData(ctx, dataset.DatasetID)
		unknown := err != nil

		if unknown {
			complete.AnalyticsError = err.Error()
		} else {
			complete.HasAnalyticsData = hasData
		}

		if withAnalytics != nil {
			if *withAnalytics && !complete.HasAnalyticsData && !unknown {
				continue
			}

			if !*withAnalytics && (complete.HasAnalyticsData || unknown) {
				continue
			}
		}

		out = append(out, complete)
	}

	return out, nil
}

// SetUserPreference writes through to the metadata store and refreshes the
// in-process cache entry with the given TTL.
func (r *Repository) SetUserPreference(ctx context.Context, userID, key string, value storage.PreferenceValue, cacheMinutes int) error {
	if err := r.preferences.Upsert(ctx, userID, key, value); err != nil {
		return err
	}

	if cacheMinutes <= 0 {
		cacheMinutes = defaultPreferenceCacheMinutes
	}

	r.mu.Lock()
	r.prefCache[userID+"\x00"+key] = cachedPreference{
		value:     value,
		expiresAt: time.Now().Add(time.Duration(cacheMinutes) * time.Minute),
	}
	r.mu.Unlock()

	return nil
}

// GetUserPreference reads a preference, serving from the cache while the
// entry is live and falling through to the store otherwise.
func (r *Repository) GetUserPreference(ctx context.Context, userID, key string) (storage.PreferenceValue, error) {
	cacheKey := userID + "\x00" + key

	r.mu.Lock()
	if cached, ok := r.prefCache[cacheKey]; ok && time.Now().Before(cached.expiresAt) {
		r.mu.Unlock()

		return cached.value, nil
	}
	r.mu.Unlock()

	value, err := r.preferences.Get(ctx, userID, key)
	if err != nil {
		return storage.PreferenceValue{}, err
	}

	r.mu.Lock()
	r.prefCache[cacheKey] = cachedPreference{
		value:     value,
		expiresAt: time.Now().Add(defaultPreferenceCacheMinutes * time.Minute),
	}
	r.mu.Unlock()

	return value, nil
}

// ExecuteAnalyticsQuery runs a read query against the analytics store and
// audits it with execution timing. Failures are audited and logged with the
// error text before propagating.
func (r *Repository) ExecuteAnalyticsQuery(ctx context.Context, sqlText string, params []any, userID string) ([]map[string]any, error) {
	start := time.Now()

	rows, err := r.analytics.ExecuteQuery(ctx, sqlText, params...)
	elapsed := time.Since(start).Milliseconds()

	entry := &storage.AuditEntry{
		UserID:          userID,
		Action:          "analytics_query",
		ResourceType:    "analytics",
		Success:         err == nil,
		ExecutionTimeMs: elapsed,
	}

	if details, derr := json.Marshal(map[string]any{"sql": sqlText}); derr == nil {
		entry.Details = string(details)
	}

	if err != nil {
		entry.ErrorMessage = err.Error()
		r.logger.Error("analytics query failed",
			slog.String("user_id", userID),
			slog.Int64("execution_time_ms", elapsed),
			slog.String("error", err.Error()),
		)
	}

	if auditErr := r.audit.Append(ctx, entry); auditErr != nil {
		r.logger.Warn("failed to audit analytics query", slog.String("error", auditErr.Error()))
	}

	return rows, err
}

// GetDatasetTimeSeries returns observation rows ordered by time period.
// Filters are AND-composed; an unknown dataset yields an empty slice.
func (r *Repository) GetDatasetTimeSeries(ctx context.Context, datasetID, territoryCode, measureCode string, startYear, endYear int) ([]*analytics.Observation, error) {
	if _, err := r.datasets.Get(ctx, datasetID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return []*analytics.Observation{}, nil
		}

		return nil, err
	}

	return r.analytics.TimeSeries(ctx, datasetID, territoryCode, measureCode, startYear, endYear)
}

// GetSystemStatus aggregates per-component health. It never fails: every
// store error is captured into the payload.
func (r *Repository) GetSystemStatus(ctx context.Context) *SystemStatus {
	status := &SystemStatus{Timestamp: time.Now().UTC()}

	if err := r.conn.HealthCheck(ctx); err != nil {
		status.Metadata = ComponentStatus{Status: "unhealthy", Error: err.Error()}
	} else {
		stats := r.conn.Stats()
		status.Metadata = ComponentStatus{
			Status: "healthy",
			Stats: map[string]any{
				"open_connections": stats.OpenConnections,
				"in_use":           stats.InUse,
				"idle":             stats.Idle,
			},
		}
	}

	if err := r.analytics.HealthCheck(ctx); err != nil {
		status.Analytics = ComponentStatus{Status: "unhealthy", Error: err.Error()}
	} else {
		component := ComponentStatus{Status: "healthy"}

		if stats := r.analytics.Stats(); stats != nil {
			component.Stats = map[string]any{
				"open_connections": stats.OpenConnections,
				"in_use":           stats.InUse,
				"idle":             stats.Idle,
			}
		}

		status.Analytics = component
	}

	if r.queryCache != nil {
		status.Cache = r.queryCache.Stats()
	}

	return status
}
