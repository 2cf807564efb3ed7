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

// ScopeCipher encrypts and decrypts the scope set for at-rest storage.
// The auth package provides the AES-GCM implementation; the store only
// ever sees opaque ciphertext.
type ScopeCipher interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// APIKeyStore persists issued API keys.
//
// Plaintext keys are never stored: rows carry a salted bcrypt hash plus a
// short key_prefix used as the lookup bucket during verification, keeping
// the expensive hash comparison bounded to a handful of candidate rows.
type APIKeyStore struct {
	conn   *Connection
	cipher ScopeCipher
	logger *slog.Logger
}

// NewAPIKeyStore creates an API key store over the shared metadata connection.
func NewAPIKeyStore(conn *Connection, cipher ScopeCipher) (*APIKeyStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &APIKeyStore{
		conn:   conn,
		cipher: cipher,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("OSV_LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Insert stores a newly issued key. The caller supplies the bcrypt hash and
// prefix; scopes are encrypted here before they touch the database.
func (s *APIKeyStore) Insert(ctx context.Context, key *APIKey) error {
	scopesJSON, err := json.Marshal(key.Scopes)
	if err != nil {
		return fmt.Errorf("failed to serialize scopes: %w", err)
	}

	scopesEncrypted, err := s.cipher.Encrypt(scopesJSON)
	if err != nil {
		return fmt.Errorf("failed to encrypt scopes: %w", err)
	}

	query := `
		INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes_encrypted, rate_limit, is_active, expires_at, usage_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)
	`

	_, err = s.conn.ExecContext(
		ctx,
		query,
		key.ID,
		key.Name,
		key.KeyHash,
		key.KeyPrefix,
		scopesEncrypted,
		key.RateLimit,
		key.IsActive,
		key.ExpiresAt,
		key.CreatedAt,
	)
	if err != nil {
		return classifyError("insert api key", "api_keys", err)
	}

	return nil
}

// FindCandidatesByPrefix returns active, unexpired keys in the prefix bucket.
// The caller performs the constant-time hash comparison against each candidate.
func (s *APIKeyStore) FindCandidatesByPrefix(ctx context.Context, keyPrefix string) ([]*APIKey, error) {
	query := `
		SELECT id, name, key_hash, key_prefix, scopes_encrypted, rate_limit, is_active, expires_at, last_used, usage_count, created_at
		FROM api_keys
		WHERE key_prefix = $1
		  AND is_active = TRUE
		  AND (expires_at IS NULL OR expires_at > $2)
	`

	rows, err := s.conn.QueryContext(ctx, query, keyPrefix, time.Now().UTC())
	if err != nil {
		return nil, classifyError("find api keys by prefix", "api_keys", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	return s.collectKeys(rows)
}

// GetByID retrieves a key row by its surrogate ID.
func (s *APIKeyStore) GetByID(ctx context.Context, id string) (*APIKey, error) {
	query := `
		SELECT id, name, key_hash, key_prefix, scopes_encrypted, rate_limit, is_active, expires_at, last_used, usage_count, created_at
		FROM api_keys
		WHERE id = $1
	`

	rows, err := s.conn.QueryContext(ctx, query, id)
	if err != nil {
		return nil, classifyError("get api key", "api_keys", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	keys, err := s.collectKeys(rows)
	if err != nil {
		return nil, err
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("get api key: %w", ErrNotFound)
	}

	return keys[0], nil
}

// List returns all key rows, newest first. Key hashes stay server-side; the
// HTTP layer serializes APIKey without the hash field.
func (s *APIKeyStore) List(ctx context.Context) ([]*APIKey, error) {
	query := `
		SELECT id, name, key_hash, key_prefix, scopes_encrypted, rate_limit, is_active, expires_at, last_used, usage_count, created_at
		FROM api_keys
		ORDER BY created_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, classifyError("list api keys", "api_keys", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	return s.collectKeys(rows)
}

// TouchUsage records a successful verification: bumps usage_count and
// last_used. Serialized per key by PostgreSQL row locking.
func (s *APIKeyStore) TouchUsage(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(
		ctx,
		`UPDATE api_keys SET last_used = $1, usage_count = usage_count + 1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return classifyError("touch api key usage", "api_keys", err)
	}

	return nil
}

// Deactivate performs a soft delete by setting is_active=FALSE.
// The row is kept for the audit trail.
func (s *APIKeyStore) Deactivate(ctx context.Context, id string) error {
	result, err := s.conn.ExecContext(ctx, `UPDATE api_keys SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return classifyError("deactivate api key", "api_keys", err)
	}

	return requireRowsAffected(result, "deactivate api key")
}

func (s *APIKeyStore) collectKeys(rows *sql.Rows) ([]*APIKey, error) {
	keys := []*APIKey{}

	for rows.Next() {
		var (
			key             APIKey
			scopesEncrypted string
			expiresAt       sql.NullTime
			lastUsed        sql.NullTime
		)

		err := rows.Scan(
			&key.ID,
			&key.Name,
			&key.KeyHash,
			&key.KeyPrefix,
			&scopesEncrypted,
			&key.RateLimit,
			&key.IsActive,
			&expiresAt,
			&lastUsed,
			&key.UsageCount,
			&key.CreatedAt,
		)
		if err != nil {
			s.logger.Error("failed to scan api key row", slog.String("error", err.Error()))

			continue
		}

		scopesJSON, err := s.cipher.Decrypt(scopesEncrypted)
		if err != nil {
			s.logger.Error("failed to decrypt scopes, skipping key",
				slog.String("key_id", key.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if err := json.Unmarshal(scopesJSON, &key.Scopes); err != nil {
			s.logger.Error("failed to parse scopes, skipping key",
				slog.String("key_id", key.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if expiresAt.Valid {
			t := expiresAt.Time
			key.ExpiresAt = &t
		}

		if lastUsed.Valid {
			t := lastUsed.Time
			key.LastUsed = &t
		}

		keys = append(keys, &key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating api key rows: %w", err)
	}

	return keys, nil
}
