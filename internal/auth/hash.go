package auth

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost defines the computational cost for bcrypt hashing.
	// Cost 10 = ~60ms per hash; can be raised to 12 for hardening.
	bcryptCost  = 10
	bcryptLimit = 72
)

// HashKey generates a bcrypt hash of the API key for storage.
// Keys are never stored in plaintext; only the hash is persisted.
//
// Bcrypt has a 72-byte input limit, so longer keys are pre-hashed with
// SHA-256 before feeding bcrypt.
func HashKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrKeyEmpty
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(apiKey), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return string(hash), nil
}

// CompareKeyHash performs constant-time comparison of an API key against a
// stored bcrypt hash. Returns false for any error condition: empty inputs,
// malformed hash, mismatch.
func CompareKeyHash(hash, apiKey string) bool {
	if hash == "" || apiKey == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(apiKey)) == nil
}

// bcryptInput applies the 72-byte pre-hash rule. Hashing and comparison must
// share this preparation or long keys would never verify.
func bcryptInput(apiKey string) []byte {
	if len(apiKey) > bcryptLimit {
		sum := sha256.Sum256([]byte(apiKey))

		return sum[:]
	}

	return []byte(apiKey)
}
