package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/osservatorio-istat/osservatorio/internal/config"
)

// DatasetStore persists dataset metadata rows.
//
// Deleting metadata for a dataset that still owns observations is forbidden;
// lifecycle removal is a soft delete via StatusInactive.
type DatasetStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewDatasetStore creates a dataset store over the shared metadata connection.
func NewDatasetStore(conn *Connection) (*DatasetStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &DatasetStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("OSV_LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// InsertTx inserts a dataset row inside an existing transaction scope.
// Used by the unified repository so the metadata write and its audit entry
// commit or roll back together.
func (s *DatasetStore) InsertTx(ctx context.Context, tx *sql.Tx, d *Dataset) error {
	if err := d.Validate(); err != nil {
		return err
	}

	metadataJSON, err := metadataToJSON(d.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize dataset metadata: %w", err)
	}

	query := `
		INSERT INTO datasets (dataset_id, name, category, description, agency, priority, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	now := time.Now().UTC()

	_, err = tx.ExecContext(
		ctx,
		query,
		d.DatasetID,
		d.Name,
		d.Category,
		d.Description,
		d.Agency,
		d.Priority,
		d.Status,
		metadataJSON,
		now,
		now,
	)
	if err != nil {
		return classifyError("insert dataset", "datasets", err)
	}

	d.CreatedAt = now
	d.UpdatedAt = now

	return nil
}

// DeleteTx removes a dataset row inside an existing transaction scope.
// Only the repository calls this, and only to compensate a failed
// cross-store registration.
func (s *DatasetStore) DeleteTx(ctx context.Context, tx *sql.Tx, datasetID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM datasets WHERE dataset_id = $1`, datasetID)
	if err != nil {
		return classifyError("delete dataset", "datasets", err)
	}

	return nil
}

// Get retrieves a dataset by its ID. Returns ErrNotFound for missing rows.
func (s *DatasetStore) Get(ctx context.Context, datasetID string) (*Dataset, error) {
	query := `
		SELECT dataset_id, name, category, description, agency, priority, status, metadata, created_at, updated_at
		FROM datasets
		WHERE dataset_id = $1
	`

	return s.scanDataset(s.conn.QueryRowContext(ctx, query, datasetID))
}

// List returns datasets, optionally filtered by category and status.
// Empty filter values match everything. Results are ordered by priority
// descending, then dataset ID.
func (s *DatasetStore) List(ctx context.Context, category, status string) ([]*Dataset, error) {
	query := `
		SELECT dataset_id, name, category, description, agency, priority, status, metadata, created_at, updated_at
		FROM datasets
		WHERE ($1 = '' OR category = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY priority DESC, dataset_id ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, category, status)
	if err != nil {
		return nil, classifyError("list datasets", "datasets", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	datasets := []*Dataset{}

	for rows.Next() {
		d, err := s.scanDatasetRows(rows)
		if err != nil {
			s.logger.Error("failed to scan dataset row", slog.String("error", err.Error()))

			continue
		}

		datasets = append(datasets, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dataset rows: %w", err)
	}

	return datasets, nil
}

// UpdateStatus transitions a dataset to a new lifecycle status.
func (s *DatasetStore) UpdateStatus(ctx context.Context, datasetID, status string) error {
	switch status {
	case StatusActive, StatusInactive, StatusProcessing, StatusError:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	result, err := s.conn.ExecContext(
		ctx,
		`UPDATE datasets SET status = $1, updated_at = $2 WHERE dataset_id = $3`,
		status, time.Now().UTC(), datasetID,
	)
	if err != nil {
		return classifyError("update dataset status", "datasets", err)
	}

	return requireRowsAffected(result, "update dataset status")
}

// UpdateSyncStats records the outcome of an ingestion sync in the dataset
// metadata blob (records_synced, sync_time) and bumps updated_at.
func (s *DatasetStore) UpdateSyncStats(ctx context.Context, datasetID string, recordsSynced int, syncTime time.Time) error {
	stats, err := json.Marshal(map[string]any{
		"records_synced": recordsSynced,
		"sync_time":      syncTime.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to serialize sync stats: %w", err)
	}

	result, err := s.conn.ExecContext(
		ctx,
		`UPDATE datasets SET metadata = COALESCE(metadata, '{}'::jsonb) || $1::jsonb, updated_at = $2 WHERE dataset_id = $3`,
		string(stats), time.Now().UTC(), datasetID,
	)
	if err != nil {
		return classifyError("update sync stats", "datasets", err)
	}

	return requireRowsAffected(result, "update sync stats")
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan logic.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *DatasetStore) scanDataset(row rowScanner) (*Dataset, error) {
	var (
		d            Dataset
		description  sql.NullString
		agency       sql.NullString
		metadataJSON []byte
	)

	err := row.Scan(
		&d.DatasetID,
		&d.Name,
		&d.Category,
		&description,
		&agency,
		&d.Priority,
		&d.Status,
		&metadataJSON,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, classifyError("get dataset", "datasets", err)
	}

	d.Description = description.String
	d.Agency = agency.String

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &d.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse dataset metadata: %w", err)
		}
	}

	return &d, nil
}

func (s *DatasetStore) scanDatasetRows(rows *sql.Rows) (*Dataset, error) {
	return s.scanDataset(rows)
}

// metadataToJSON converts a metadata map to JSON for JSONB storage.
func metadataToJSON(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}

	return json.Marshal(metadata)
}

// requireRowsAffected converts a zero-row write into ErrNotFound.
func requireRowsAffected(result sql.Result, op string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: failed to get rows affected: %w", op, err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return nil
}
