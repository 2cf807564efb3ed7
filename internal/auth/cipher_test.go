package auth

import (
	"bytes"
	"errors"
	"testing"
)

func TestAESCipherRoundTrip(t *testing.T) {
	cipher, err := NewAESCipherFromSecret("test-secret")
	if err != nil {
		t.Fatalf("NewAESCipherFromSecret() error: %v", err)
	}

	plaintext := []byte(`["read","analytics"]`)

	sealed, err := cipher.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if bytes.Contains([]byte(sealed), plaintext) {
		t.Error("ciphertext must not contain the plaintext")
	}

	opened, err := cipher.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}

	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", opened, plaintext)
	}
}

func TestAESCipherNonceVariation(t *testing.T) {
	cipher, err := NewAESCipherFromSecret("test-secret")
	if err != nil {
		t.Fatalf("NewAESCipherFromSecret() error: %v", err)
	}

	a, err := cipher.Encrypt([]byte("same"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	b, err := cipher.Encrypt([]byte("same"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if a == b {
		t.Error("repeated encryption of the same plaintext must differ")
	}
}

func TestAESCipherRejectsBadInput(t *testing.T) {
	cipher, err := NewAESCipherFromSecret("test-secret")
	if err != nil {
		t.Fatalf("NewAESCipherFromSecret() error: %v", err)
	}

	if _, err := cipher.Decrypt("not base64 %%%"); err == nil {
		t.Error("Decrypt() should reject malformed encoding")
	}

	if _, err := cipher.Decrypt("c2hvcnQ="); !errors.Is(err, ErrCiphertextTooShort) {
		t.Errorf("Decrypt() error = %v, want ErrCiphertextTooShort", err)
	}

	other, err := NewAESCipherFromSecret("a-different-secret")
	if err != nil {
		t.Fatalf("NewAESCipherFromSecret() error: %v", err)
	}

	sealed, err := cipher.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if _, err := other.Decrypt(sealed); err == nil {
		t.Error("Decrypt() with the wrong key should fail")
	}
}

func TestNewAESCipherKeySize(t *testing.T) {
	if _, err := NewAESCipher(make([]byte, 16)); !errors.Is(err, ErrCipherKeySize) {
		t.Errorf("NewAESCipher() error = %v, want ErrCipherKeySize", err)
	}

	if _, err := NewAESCipher(make([]byte, 32)); err != nil {
		t.Errorf("NewAESCipher() with 32-byte key error = %v", err)
	}
}
