package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditStore appends to and reads from the append-only audit log.
type AuditStore struct {
	conn *Connection
}

// KeyUsage aggregates audit activity for one API key, backing the
// usage-analytics endpoint.
type KeyUsage struct {
	UserID          string    `json:"user_id"`
	RequestCount    int64     `json:"request_count"`
	FailureCount    int64     `json:"failure_count"`
	AvgExecutionMs  float64   `json:"avg_execution_time_ms"`
	LastRequestTime time.Time `json:"last_request_time"`
}

// NewAuditStore creates an audit store over the shared metadata connection.
func NewAuditStore(conn *Connection) (*AuditStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &AuditStore{conn: conn}, nil
}

const auditInsertQuery = `
	INSERT INTO audit_log (timestamp, user_id, action, resource_type, resource_id, details, success, error_message, execution_time_ms, client_ip, user_agent)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

// Append writes one audit entry through the pool.
func (s *AuditStore) Append(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err := s.conn.ExecContext(ctx, auditInsertQuery, auditArgs(entry)...)
	if err != nil {
		return classifyError("append audit entry", "audit_log", err)
	}

	return nil
}

// AppendTx writes one audit entry inside an existing transaction, so the
// entry commits or rolls back together with the write it describes.
func (s *AuditStore) AppendTx(ctx context.Context, tx *sql.Tx, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err := tx.ExecContext(ctx, auditInsertQuery, auditArgs(entry)...)
	if err != nil {
		return classifyError("append audit entry", "audit_log", err)
	}

	return nil
}

func auditArgs(entry *AuditEntry) []any {
	return []any{
		entry.Timestamp,
		entry.UserID,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		entry.Details,
		entry.Success,
		entry.ErrorMessage,
		entry.ExecutionTimeMs,
		entry.ClientIP,
		entry.UserAgent,
	}
}

// UsageByKey aggregates request counts, failure counts, and latency per user
// (API key) since the given time, ordered by request count descending.
func (s *AuditStore) UsageByKey(ctx context.Context, since time.Time) ([]*KeyUsage, error) {
	query := `
		SELECT user_id,
		       COUNT(*)                                          AS request_count,
		       COUNT(*) FILTER (WHERE NOT success)               AS failure_count,
		       COALESCE(AVG(execution_time_ms), 0)               AS avg_execution_time_ms,
		       MAX(timestamp)                                    AS last_request_time
		FROM audit_log
		WHERE timestamp >= $1
		GROUP BY user_id
		ORDER BY request_count DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, since)
	if err != nil {
		return nil, classifyError("usage by key", "audit_log", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	usage := []*KeyUsage{}

	for rows.Next() {
		var u KeyUsage

		if err := rows.Scan(&u.UserID, &u.RequestCount, &u.FailureCount, &u.AvgExecutionMs, &u.LastRequestTime); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}

		usage = append(usage, &u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage rows: %w", err)
	}

	return usage, nil
}

// RecentFailures returns the most recent failed audit entries, capped at limit.
func (s *AuditStore) RecentFailures(ctx context.Context, limit int) ([]*AuditEntry, error) {
	query := `
		SELECT id, timestamp, user_id, action, resource_type, resource_id, details, success, error_message, execution_time_ms, client_ip, user_agent
		FROM audit_log
		WHERE NOT success
		ORDER BY timestamp DESC
		LIMIT $1
	`

	rows, err := s.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, classifyError("recent failures", "audit_log", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	entries := []*AuditEntry{}

	for rows.Next() {
		var (
			e            AuditEntry
			details      sql.NullString
			errorMessage sql.NullString
			clientIP     sql.NullString
			userAgent    sql.NullString
		)

		err := rows.Scan(
			&e.ID, &e.Timestamp, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID,
			&details, &e.Success, &errorMessage, &e.ExecutionTimeMs, &clientIP, &userAgent,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}

		e.Details = details.String
		e.ErrorMessage = errorMessage.String
		e.ClientIP = clientIP.String
		e.UserAgent = userAgent.String

		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}

	return entries, nil
}
