package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RateLimitStore persists sliding-window request counters, unique on
// (api_key_id, endpoint, window_start).
//
// The hot path is a single conditional UPDATE so concurrent requests for the
// same key serialize on the row lock and the counter can never pass the limit.
type RateLimitStore struct {
	conn *Connection
}

// WindowDuration is the fixed rate-limit window length.
const WindowDuration = time.Hour

// NewRateLimitStore creates a rate-limit store over the shared metadata connection.
func NewRateLimitStore(conn *Connection) (*RateLimitStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &RateLimitStore{conn: conn}, nil
}

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Allow atomically counts one request against the key's current window for
// the endpoint. When the counter is already at the limit the request is
// denied and the counter left unchanged.
func (s *RateLimitStore) Allow(ctx context.Context, apiKeyID, endpoint string, limit int, now time.Time) (*Decision, error) {
	now = now.UTC()
	windowStart := now.Truncate(WindowDuration)
	windowEnd := windowStart.Add(WindowDuration)

	decision := &Decision{
		Limit:   limit,
		ResetAt: windowEnd,
	}

	// A non-positive limit admits nothing; never open a window for it.
	if limit <= 0 {
		return decision, nil
	}

	// Common path: the window row exists and has headroom.
	update := `
		UPDATE rate_limits
		SET request_count = request_count + 1
		WHERE api_key_id = $1 AND endpoint = $2 AND window_start = $3 AND request_count < $4
		RETURNING request_count
	`

	var count int

	err := s.conn.QueryRowContext(ctx, update, apiKeyID, endpoint, windowStart, limit).Scan(&count)
	if err == nil {
		decision.Allowed = true
		decision.Remaining = limit - count

		return decision, nil
	}

	if !errors.Is(classifyError("rate limit update", "rate_limits", err), ErrNotFound) {
		return nil, classifyError("rate limit update", "rate_limits", err)
	}

	// Either no row for this window yet, or the counter is exhausted.
	// Try to open the window; a concurrent opener makes the insert a no-op.
	insert := `
		INSERT INTO rate_limits (api_key_id, endpoint, window_start, window_end, request_count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (api_key_id, endpoint, window_start) DO NOTHING
		RETURNING request_count
	`

	err = s.conn.QueryRowContext(ctx, insert, apiKeyID, endpoint, windowStart, windowEnd).Scan(&count)
	if err == nil {
		decision.Allowed = true
		decision.Remaining = limit - count

		return decision, nil
	}

	if !errors.Is(classifyError("rate limit insert", "rate_limits", err), ErrNotFound) {
		return nil, classifyError("rate limit insert", "rate_limits", err)
	}

	// Row exists and is exhausted (or a racer just filled it): re-check once.
	var existing int

	err = s.conn.QueryRowContext(
		ctx,
		`SELECT request_count FROM rate_limits WHERE api_key_id = $1 AND endpoint = $2 AND window_start = $3`,
		apiKeyID, endpoint, windowStart,
	).Scan(&existing)
	if err != nil {
		return nil, classifyError("rate limit read", "rate_limits", err)
	}

	if existing < limit {
		// A racer consumed the insert slot; retry the conditional update once.
		err = s.conn.QueryRowContext(ctx, update, apiKeyID, endpoint, windowStart, limit).Scan(&count)
		if err == nil {
			decision.Allowed = true
			decision.Remaining = limit - count

			return decision, nil
		}
	}

	decision.Allowed = false
	decision.Remaining = 0

	return decision, nil
}

// CurrentUsage returns the request count in the key's current window for the
// endpoint, zero when the window has no row yet.
func (s *RateLimitStore) CurrentUsage(ctx context.Context, apiKeyID, endpoint string, now time.Time) (int, error) {
	windowStart := now.UTC().Truncate(WindowDuration)

	var count int

	err := s.conn.QueryRowContext(
		ctx,
		`SELECT request_count FROM rate_limits WHERE api_key_id = $1 AND endpoint = $2 AND window_start = $3`,
		apiKeyID, endpoint, windowStart,
	).Scan(&count)
	if err != nil {
		classified := classifyError("rate limit usage", "rate_limits", err)
		if errors.Is(classified, ErrNotFound) {
			return 0, nil
		}

		return 0, classified
	}

	return count, nil
}

// PurgeExpired removes windows that ended before the cutoff and returns how
// many rows were deleted. Run periodically; correctness does not depend on it.
func (s *RateLimitStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM rate_limits WHERE window_end < $1`, cutoff.UTC())
	if err != nil {
		return 0, classifyError("purge rate limit windows", "rate_limits", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rate limit windows: failed to get rows affected: %w", err)
	}

	return deleted, nil
}
