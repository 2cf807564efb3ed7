package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// aesKeySize is the AES-256 key length in bytes.
const aesKeySize = 32

// ErrCiphertextTooShort is returned when a stored ciphertext is shorter than
// the GCM nonce it must carry.
var ErrCiphertextTooShort = errors.New("ciphertext shorter than nonce")

// AESCipher encrypts scope sets at rest with AES-256-GCM. It implements
// storage.ScopeCipher. The nonce is prepended to each ciphertext; output is
// base64 for TEXT column storage.
type AESCipher struct {
	aead cipher.AEAD
}

// NewAESCipher builds a cipher from a 32-byte key.
func NewAESCipher(key []byte) (*AESCipher, error) {
	if len(key) != aesKeySize {
		return nil, ErrCipherKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &AESCipher{aead: aead}, nil
}

// NewAESCipherFromSecret derives the AES key from an arbitrary-length secret
// via SHA-256. Lets deployments reuse the JWT secret instead of managing a
// second credential.
func NewAESCipherFromSecret(secret string) (*AESCipher, error) {
	sum := sha256.Sum256([]byte(secret))

	return NewAESCipher(sum[:])
}

// Encrypt seals the plaintext and returns base64(nonce || ciphertext).
func (c *AESCipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64(nonce || ciphertext) payload.
func (c *AESCipher) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext encoding: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt scopes: %w", err)
	}

	return plaintext, nil
}
