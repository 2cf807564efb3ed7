package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

const (
	// TokenIssuer is embedded in every minted token and enforced on verify.
	TokenIssuer = "osservatorio-istat"

	// TokenAudience is embedded in every minted token. The audience check is
	// relaxed on verify so tokens survive gateway renames.
	TokenAudience = "osservatorio-api"
)

// Claims are the JWT claims carried by minted access tokens. Scopes travel as
// a space-joined string in the scope claim.
type Claims struct {
	Scope      string `json:"scope"`
	APIKeyName string `json:"api_key_name"`
	jwt.RegisteredClaims
}

// ScopeList splits the scope claim into individual scopes.
func (c *Claims) ScopeList() []string {
	if c.Scope == "" {
		return nil
	}

	return strings.Fields(c.Scope)
}

// HasScope reports whether the token grants the required scope.
// The admin scope implies every other scope.
func (c *Claims) HasScope(required string) bool {
	for _, s := range c.ScopeList() {
		if s == storage.ScopeAdmin || s == required {
			return true
		}
	}

	return false
}

// Minter signs and verifies HS256 access tokens.
type Minter struct {
	secret   []byte
	tokenTTL time.Duration
}

// NewMinter creates a token minter with the given HMAC secret and token
// lifetime.
func NewMinter(secret []byte, tokenTTL time.Duration) *Minter {
	return &Minter{secret: secret, tokenTTL: tokenTTL}
}

// Mint issues a signed token for a verified API key. Returns the compact
// token, its jti, and its expiry.
func (m *Minter) Mint(key *storage.APIKey, now time.Time) (string, string, time.Time, error) {
	jti := uuid.NewString()
	expiresAt := now.Add(m.tokenTTL)

	claims := &Claims{
		Scope:      strings.Join(key.Scopes, " "),
		APIKeyName: key.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   key.ID,
			Issuer:    TokenIssuer,
			Audience:  jwt.ClaimStrings{TokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, jti, expiresAt, nil
}

// Verify parses and validates a compact token: signature, expiry, and issuer.
// Audience is deliberately not enforced. Revocation is checked by the caller,
// which owns the revocation store.
func (m *Minter) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", token.Header["alg"])
			}

			return m.secret, nil
		},
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	return claims, nil
}
