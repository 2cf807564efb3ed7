package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RevocationStore persists revoked JWT IDs. A token is invalid once its jti
// appears here; rows become garbage after the token's own expiry and are
// removed by PurgeExpired.
type RevocationStore struct {
	conn *Connection
}

// NewRevocationStore creates a revocation store over the shared metadata connection.
func NewRevocationStore(conn *Connection) (*RevocationStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &RevocationStore{conn: conn}, nil
}

// Revoke records a token ID as revoked. Revoking an already revoked token is
// a no-op, not an error.
func (s *RevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	query := `
		INSERT INTO token_revocations (jti, expires_at, revoked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (jti) DO NOTHING
	`

	_, err := s.conn.ExecContext(ctx, query, jti, expiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return classifyError("revoke token", "token_revocations", err)
	}

	return nil
}

// IsRevoked reports whether the token ID has been revoked.
func (s *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var one int

	err := s.conn.QueryRowContext(ctx, `SELECT 1 FROM token_revocations WHERE jti = $1`, jti).Scan(&one)
	if err != nil {
		classified := classifyError("check token revocation", "token_revocations", err)
		if errors.Is(classified, ErrNotFound) {
			return false, nil
		}

		return false, classified
	}

	return true, nil
}

// PurgeExpired removes revocation rows whose tokens have expired on their own.
func (s *RevocationStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM token_revocations WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, classifyError("purge token revocations", "token_revocations", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge token revocations: failed to get rows affected: %w", err)
	}

	return deleted, nil
}
