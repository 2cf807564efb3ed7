package storage

import (
	"context"
	"fmt"
	"time"
)

// PreferenceStore persists per-user typed preference values, unique on
// (user_id, preference_key). Writes are last-writer-wins upserts.
type PreferenceStore struct {
	conn *Connection
}

// NewPreferenceStore creates a preference store over the shared metadata connection.
func NewPreferenceStore(conn *Connection) (*PreferenceStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PreferenceStore{conn: conn}, nil
}

// Upsert creates or replaces one preference value for the user.
func (s *PreferenceStore) Upsert(ctx context.Context, userID, key string, value PreferenceValue) error {
	if err := value.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO user_preferences (user_id, preference_key, value_kind, value_payload, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, preference_key)
		DO UPDATE SET value_kind = EXCLUDED.value_kind,
		              value_payload = EXCLUDED.value_payload,
		              updated_at = EXCLUDED.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query, userID, key, value.Kind, value.Raw, time.Now().UTC())
	if err != nil {
		return classifyError("upsert preference", "user_preferences", err)
	}

	return nil
}

// Get retrieves one preference value. Returns ErrNotFound for missing keys.
func (s *PreferenceStore) Get(ctx context.Context, userID, key string) (PreferenceValue, error) {
	var value PreferenceValue

	row := s.conn.QueryRowContext(
		ctx,
		`SELECT value_kind, value_payload FROM user_preferences WHERE user_id = $1 AND preference_key = $2`,
		userID, key,
	)

	if err := row.Scan(&value.Kind, &value.Raw); err != nil {
		return PreferenceValue{}, classifyError("get preference", "user_preferences", err)
	}

	return value, nil
}

// GetAll returns every preference for the user keyed by preference name.
// A user with no preferences gets an empty map, not an error.
func (s *PreferenceStore) GetAll(ctx context.Context, userID string) (map[string]PreferenceValue, error) {
	rows, err := s.conn.QueryContext(
		ctx,
		`SELECT preference_key, value_kind, value_payload FROM user_preferences WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, classifyError("get all preferences", "user_preferences", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	prefs := map[string]PreferenceValue{}

	for rows.Next() {
		var (
			key   string
			value PreferenceValue
		)

		if err := rows.Scan(&key, &value.Kind, &value.Raw); err != nil {
			return nil, fmt.Errorf("failed to scan preference row: %w", err)
		}

		prefs[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating preference rows: %w", err)
	}

	return prefs, nil
}

// Delete removes one preference. Returns ErrNotFound when nothing was deleted.
func (s *PreferenceStore) Delete(ctx context.Context, userID, key string) error {
	result, err := s.conn.ExecContext(
		ctx,
		`DELETE FROM user_preferences WHERE user_id = $1 AND preference_key = $2`,
		userID, key,
	)
	if err != nil {
		return classifyError("delete preference", "user_preferences", err)
	}

	return requireRowsAffected(result, "delete preference")
}
