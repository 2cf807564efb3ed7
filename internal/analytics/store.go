// Package analytics provides the columnar observation store for the
// Osservatorio service. Observations live in the istat schema, keyed by
// (dataset_id, time_period, territory_code, measure_code).
//
// The connection is lazy: nothing is dialed until the first query, and every
// connection failure surfaces as ErrAnalyticsUnavailable so callers can
// degrade instead of failing whole requests.
package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/osservatorio-istat/osservatorio/internal/config"
	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

var (
	// ErrAnalyticsUnavailable is returned when the analytics store cannot be
	// reached. Callers treat this as a degraded state, not a request failure.
	ErrAnalyticsUnavailable = errors.New("analytics store unavailable")

	// ErrAnalyticsURLEmpty is returned when the analytics database URL is empty.
	ErrAnalyticsURLEmpty = errors.New("analytics database URL cannot be empty")

	// ErrNoRows is returned when a bulk insert receives an empty row set.
	ErrNoRows = errors.New("bulk insert requires at least one row")
)

const (
	connectTimeout     = 10 * time.Second
	healthCheckTimeout = 2 * time.Second

	// bulkChunkSize keeps each multi-row INSERT under PostgreSQL's 65535
	// placeholder cap with room to spare at 9 columns per row.
	bulkChunkSize = 500
)

// Observation is one measured value tied to a (time, territory, measure)
// coordinate within a dataset.
type Observation struct {
	DatasetID     string   `db:"dataset_id" json:"dataset_id"`
	Year          int      `db:"year" json:"year"`
	TimePeriod    string   `db:"time_period" json:"time_period"`
	TerritoryCode string   `db:"territory_code" json:"territory_code"`
	TerritoryName string   `db:"territory_name" json:"territory_name"`
	MeasureCode   string   `db:"measure_code" json:"measure_code"`
	MeasureName   string   `db:"measure_name" json:"measure_name"`
	ObsValue      *float64 `db:"obs_value" json:"obs_value"`
	ObsStatus     string   `db:"obs_status" json:"obs_status"`
}

// DatasetStats summarizes the observation footprint of one dataset,
// computed on demand.
type DatasetStats struct {
	RecordCount    int64 `db:"record_count" json:"record_count"`
	MinYear        int   `db:"min_year" json:"min_year"`
	MaxYear        int   `db:"max_year" json:"max_year"`
	TerritoryCount int64 `db:"territory_count" json:"territory_count"`
	MeasureCount   int64 `db:"measure_count" json:"measure_count"`
}

// Store is the analytics store handle. Safe for concurrent use; the lazy
// connection is established once under a mutex and reused afterwards.
type Store struct {
	cfg    *Config
	logger *slog.Logger

	mu sync.Mutex
	db *sqlx.DB
}

// NewStore creates an analytics store handle without connecting.
// The first query establishes the connection.
func NewStore(cfg *Config) *Store {
	return &Store{
		cfg: cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("OSV_LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// NewStoreFromDB wraps an existing connection. Used by integration tests that
// manage the database lifecycle themselves.
func NewStoreFromDB(db *sqlx.DB) *Store {
	return &Store{
		db: db,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("OSV_LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// connect returns the live handle, dialing on first use. Concurrent callers
// serialize on the mutex so at most one dial happens.
func (s *Store) connect(ctx context.Context) (*sqlx.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	if s.cfg == nil {
		return nil, ErrAnalyticsUnavailable
	}

	if err := s.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAnalyticsUnavailable, err)
	}

	db, err := sqlx.Open("postgres", s.cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAnalyticsUnavailable, err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: %w", ErrAnalyticsUnavailable, err)
	}

	s.db = db
	s.logger.Info("analytics store connected")

	return s.db, nil
}

// Close closes the underlying pool if a connection was ever established.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil

	return err
}

// EnsureSchema creates the istat schema and observation table if they do not
// exist. Idempotent; called during dataset registration.
func (s *Store) EnsureSchema(ctx context.Context) error {
	db, err := s.connect(ctx)
	if err != nil {
		return err
	}

	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS istat`,
		`CREATE TABLE IF NOT EXISTS istat.istat_datasets (
			dataset_id    TEXT PRIMARY KEY,
			registered_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS istat.istat_observations (
			dataset_id     TEXT NOT NULL,
			year           INTEGER NOT NULL,
			time_period    TEXT NOT NULL,
			territory_code TEXT NOT NULL,
			territory_name TEXT NOT NULL DEFAULT '',
			measure_code   TEXT NOT NULL,
			measure_name   TEXT NOT NULL DEFAULT '',
			obs_value      DOUBLE PRECISION,
			obs_status     TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (dataset_id, time_period, territory_code, measure_code)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_istat_observations_dataset_year
			ON istat.istat_observations (dataset_id, year)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure analytics schema: %w", err)
		}
	}

	return nil
}

// RegisterDataset records the dataset in the analytics catalog after the
// schema is ensured. Idempotent.
func (s *Store) RegisterDataset(ctx context.Context, datasetID string) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}

	db, err := s.connect(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(
		ctx,
		`INSERT INTO istat.istat_datasets (dataset_id) VALUES ($1) ON CONFLICT (dataset_id) DO NOTHING`,
		datasetID,
	)
	if err != nil {
		return fmt.Errorf("failed to register dataset in analytics store: %w", err)
	}

	return nil
}

// UnregisterDataset removes the dataset from the analytics catalog. Used to
// compensate a failed cross-store registration; observation rows are untouched.
func (s *Store) UnregisterDataset(ctx context.Context, datasetID string) error {
	db, err := s.connect(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `DELETE FROM istat.istat_datasets WHERE dataset_id = $1`, datasetID)
	if err != nil {
		return fmt.Errorf("failed to unregister dataset from analytics store: %w", err)
	}

	return nil
}

// ExecuteQuery runs a parameterized read query and returns generic rows.
// Result column order follows the query's select list.
func (s *Store) ExecuteQuery(ctx context.Context, query string, params ...any) ([]map[string]any, error) {
	db, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryxContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("analytics query failed: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	results := []map[string]any{}

	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("failed to scan analytics row: %w", err)
		}

		// MapScan yields []byte for text columns; normalize to string.
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}

		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analytics rows: %w", err)
	}

	return results, nil
}

// BulkInsert upserts observation rows in chunks. Re-syncing the same payload
// is idempotent: rows conflict on the natural key and overwrite in place.
func (s *Store) BulkInsert(ctx context.Context, table string, observations []*Observation) (int, error) {
	if len(observations) == 0 {
		return 0, ErrNoRows
	}

	if err := storage.ValidateIdentifier(table); err != nil {
		return 0, err
	}

	db, err := s.connect(ctx)
	if err != nil {
		return 0, err
	}

	inserted := 0

	for start := 0; start < len(observations); start += bulkChunkSize {
		end := start + bulkChunkSize
		if end > len(observations) {
			end = len(observations)
		}

		n, err := s.insertChunk(ctx, db, table, observations[start:end])
		if err != nil {
			return inserted, err
		}

		inserted += n
	}

	return inserted, nil
}

func (s *Store) insertChunk(ctx context.Context, db *sqlx.DB, table string, chunk []*Observation) (int, error) {
	const columnsPerRow = 9

	var sb strings.Builder

	sb.WriteString("INSERT INTO istat.")
	sb.WriteString(table)
	sb.WriteString(" (dataset_id, year, time_period, territory_code, territory_name, measure_code, measure_name, obs_value, obs_status) VALUES ")

	args := make([]any, 0, len(chunk)*columnsPerRow)

	for i, obs := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}

		base := i * columnsPerRow
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)

		args = append(args,
			obs.DatasetID, obs.Year, obs.TimePeriod,
			obs.TerritoryCode, obs.TerritoryName,
			obs.MeasureCode, obs.MeasureName,
			obs.ObsValue, obs.ObsStatus,
		)
	}

	sb.WriteString(` ON CONFLICT (dataset_id, time_period, territory_code, measure_code)
		DO UPDATE SET territory_name = EXCLUDED.territory_name,
		              measure_name = EXCLUDED.measure_name,
		              obs_value = EXCLUDED.obs_value,
		              obs_status = EXCLUDED.obs_status,
		              year = EXCLUDED.year`)

	if _, err := db.ExecContext(ctx, sb.String(), args...); err != nil {
		return 0, fmt.Errorf("bulk insert into %s failed: %w", table, err)
	}

	return len(chunk), nil
}

// DatasetStats computes the observation footprint of one dataset on demand.
// A dataset with no observations yields zeroed stats, not an error.
func (s *Store) DatasetStats(ctx context.Context, datasetID string) (*DatasetStats, error) {
	db, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT COUNT(*)                          AS record_count,
		       COALESCE(MIN(year), 0)            AS min_year,
		       COALESCE(MAX(year), 0)            AS max_year,
		       COUNT(DISTINCT territory_code)    AS territory_count,
		       COUNT(DISTINCT measure_code)      AS measure_count
		FROM istat.istat_observations
		WHERE dataset_id = $1
	`

	var stats DatasetStats
	if err := db.GetContext(ctx, &stats, query, datasetID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &DatasetStats{}, nil
		}

		return nil, fmt.Errorf("failed to compute dataset stats: %w", err)
	}

	return &stats, nil
}

// HasData reports whether the dataset has at least one observation row.
func (s *Store) HasData(ctx context.Context, datasetID string) (bool, error) {
	db, err := s.connect(ctx)
	if err != nil {
		return false, err
	}

	var exists bool

	err = db.GetContext(
		ctx,
		&exists,
		`SELECT EXISTS (SELECT 1 FROM istat.istat_observations WHERE dataset_id = $1)`,
		datasetID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to probe dataset observations: %w", err)
	}

	return exists, nil
}

// TimeSeries returns observation rows for one dataset ordered by time then
// territory. Year bounds and the territory and measure filters are optional;
// zero values match everything.
func (s *Store) TimeSeries(ctx context.Context, datasetID, territoryCode, measureCode string, startYear, endYear int) ([]*Observation, error) {
	db, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT dataset_id, year, time_period, territory_code, territory_name, measure_code, measure_name, obs_value, obs_status
		FROM istat.istat_observations
		WHERE dataset_id = $1
		  AND ($2 = '' OR territory_code = $2)
		  AND ($3 = '' OR measure_code = $3)
		  AND ($4 = 0 OR year >= $4)
		  AND ($5 = 0 OR year <= $5)
		ORDER BY time_period ASC, territory_code ASC, measure_code ASC
	`

	observations := []*Observation{}
	if err := db.SelectContext(ctx, &observations, query, datasetID, territoryCode, measureCode, startYear, endYear); err != nil {
		return nil, fmt.Errorf("failed to load time series: %w", err)
	}

	return observations, nil
}

// HealthCheck verifies the analytics store is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	db, err := s.connect(ctx)
	if err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("%w: %w", ErrAnalyticsUnavailable, err)
	}

	return nil
}

// Stats returns pool statistics for the system status payload. Returns nil
// when no connection has been established yet.
func (s *Store) Stats() *sql.DBStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	stats := s.db.Stats()

	return &stats
}
