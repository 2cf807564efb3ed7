// Package auth implements API key issuance and verification, JWT minting,
// and scope authorization for the Osservatorio service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/osservatorio-istat/osservatorio/internal/config"
	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

// dummyKey feeds the timing-equalization hash computed at service startup.
const dummyKey = "osv_dummy_comparison_target"

// KeyStore is the persistence surface the service needs for API keys.
type KeyStore interface {
	Insert(ctx context.Context, key *storage.APIKey) error
	FindCandidatesByPrefix(ctx context.Context, keyPrefix string) ([]*storage.APIKey, error)
	GetByID(ctx context.Context, id string) (*storage.APIKey, error)
	List(ctx context.Context) ([]*storage.APIKey, error)
	TouchUsage(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) error
}

// RevocationStore is the persistence surface for revoked token IDs.
type RevocationStore interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Service ties key storage, token minting, and revocation together.
type Service struct {
	keys        KeyStore
	revocations RevocationStore
	minter      *Minter
	logger      *slog.Logger
	dummyHash   string
	rateLimit   int
}

// IssuedKey is the one-time issuance response carrying the plaintext key.
type IssuedKey struct {
	Key    *storage.APIKey `json:"key"`
	APIKey string          `json:"api_key"`
}

// IssuedToken is the response of a successful token mint.
type IssuedToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Scopes      []string  `json:"scopes"`
}

// NewService creates the auth service. The dummy hash is computed once so
// verification of unknown prefixes still costs one bcrypt comparison.
func NewService(keys KeyStore, revocations RevocationStore, cfg *Config) (*Service, error) {
	minter := NewMinter(cfg.Secret(), cfg.TokenTTL)

	dummyHash, err := HashKey(dummyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare verification baseline: %w", err)
	}

	return &Service{
		keys:        keys,
		revocations: revocations,
		minter:      minter,
		dummyHash:   dummyHash,
		rateLimit:   config.GetEnvInt("OSV_RATE_LIMIT_DEFAULT", 100),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("OSV_LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// IssueKey creates and persists a new API key. The plaintext is returned once
// and never stored; zero rateLimit falls back to the configured default.
func (s *Service) IssueKey(ctx context.Context, name string, scopes []string, rateLimit int, expiresAt *time.Time) (*IssuedKey, error) {
	if err := storage.ValidateScopes(scopes); err != nil {
		return nil, err
	}

	plaintext, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	hash, err := HashKey(plaintext)
	if err != nil {
		return nil, err
	}

	if rateLimit <= 0 {
		rateLimit = s.rateLimit
	}

	key := &storage.APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   hash,
		KeyPrefix: KeyPrefix(plaintext),
		Scopes:    scopes,
		RateLimit: rateLimit,
		IsActive:  true,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.keys.Insert(ctx, key); err != nil {
		return nil, err
	}

	s.logger.Info("api key issued",
		slog.String("key_id", key.ID),
		slog.String("name", name),
		slog.String("key", MaskKey(plaintext)),
	)

	return &IssuedKey{Key: key, APIKey: plaintext}, nil
}

// VerifyKey validates a plaintext API key against the prefix bucket.
// When no candidate matches, one dummy bcrypt comparison runs anyway so the
// miss path costs the same as a hit.
func (s *Service) VerifyKey(ctx context.Context, apiKey string) (*storage.APIKey, error) {
	if !HasKeyNamespace(apiKey) {
		return nil, fmt.Errorf("%w: not an API key", ErrUnauthorized)
	}

	candidates, err := s.keys.FindCandidatesByPrefix(ctx, KeyPrefix(apiKey))
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		if CompareKeyHash(candidate.KeyHash, apiKey) {
			if err := s.keys.TouchUsage(ctx, candidate.ID); err != nil {
				s.logger.Warn("failed to record key usage",
					slog.String("key_id", candidate.ID),
					slog.String("error", err.Error()),
				)
			}

			return candidate, nil
		}
	}

	CompareKeyHash(s.dummyHash, apiKey)

	return nil, fmt.Errorf("%w: unknown API key", ErrUnauthorized)
}

// MintToken exchanges a verified API key for a signed access token.
func (s *Service) MintToken(key *storage.APIKey) (*IssuedToken, error) {
	signed, _, expiresAt, err := s.minter.Mint(key, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	return &IssuedToken{
		AccessToken: signed,
		TokenType:   "bearer",
		ExpiresAt:   expiresAt,
		Scopes:      key.Scopes,
	}, nil
}

// VerifyToken validates a bearer token: signature, expiry, issuer,
// revocation state, and the state of the originating key. A token outlives
// its key's deactivation or expiry only as a string; it never verifies.
func (s *Service) VerifyToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := s.minter.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}

	if revoked {
		return nil, fmt.Errorf("%w: token revoked", ErrUnauthorized)
	}

	key, err := s.keys.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: key no longer exists", ErrUnauthorized)
		}

		return nil, err
	}

	if !key.IsActive {
		return nil, fmt.Errorf("%w: key deactivated", ErrUnauthorized)
	}

	if key.ExpiresAt != nil && !key.ExpiresAt.After(time.Now().UTC()) {
		return nil, fmt.Errorf("%w: key expired", ErrUnauthorized)
	}

	return claims, nil
}

// RevokeToken invalidates a token by jti until its natural expiry.
func (s *Service) RevokeToken(ctx context.Context, tokenString string) error {
	claims, err := s.minter.Verify(tokenString)
	if err != nil {
		return err
	}

	expiresAt := time.Now().UTC().Add(defaultTokenTTL)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	if err := s.revocations.Revoke(ctx, claims.ID, expiresAt); err != nil {
		return err
	}

	s.logger.Info("token revoked", slog.String("jti", claims.ID), slog.String("subject", claims.Subject))

	return nil
}

// Authorize checks that the claims grant the required scope.
func (s *Service) Authorize(claims *Claims, requiredScope string) error {
	if claims.HasScope(requiredScope) {
		return nil
	}

	return fmt.Errorf("%w: scope %q required", ErrForbidden, requiredScope)
}
