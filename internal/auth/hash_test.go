package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestHashAndCompareKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}

	hash, err := HashKey(key)
	if err != nil {
		t.Fatalf("HashKey() error: %v", err)
	}

	if hash == key {
		t.Fatal("hash must differ from plaintext")
	}

	if !CompareKeyHash(hash, key) {
		t.Error("CompareKeyHash() should match the original key")
	}

	if CompareKeyHash(hash, key+"x") {
		t.Error("CompareKeyHash() should reject a modified key")
	}
}

func TestHashKeyEmptyInput(t *testing.T) {
	if _, err := HashKey(""); !errors.Is(err, ErrKeyEmpty) {
		t.Errorf("HashKey(\"\") error = %v, want ErrKeyEmpty", err)
	}

	if CompareKeyHash("", "anything") {
		t.Error("CompareKeyHash() with empty hash should be false")
	}

	if CompareKeyHash("some-hash", "") {
		t.Error("CompareKeyHash() with empty key should be false")
	}
}

func TestHashKeyLongInput(t *testing.T) {
	// Bcrypt truncates past 72 bytes; the SHA-256 pre-hash keeps long keys
	// distinguishable beyond that boundary.
	long := "osv_" + strings.Repeat("a", 100)
	alsoLong := "osv_" + strings.Repeat("a", 99) + "b"

	hash, err := HashKey(long)
	if err != nil {
		t.Fatalf("HashKey() error: %v", err)
	}

	if !CompareKeyHash(hash, long) {
		t.Error("long key should verify against its own hash")
	}

	if CompareKeyHash(hash, alsoLong) {
		t.Error("keys differing past the bcrypt limit must not collide")
	}
}

func TestHashKeySalted(t *testing.T) {
	h1, err := HashKey("osv_same_key")
	if err != nil {
		t.Fatalf("HashKey() error: %v", err)
	}

	h2, err := HashKey("osv_same_key")
	if err != nil {
		t.Fatalf("HashKey() error: %v", err)
	}

	if h1 == h2 {
		t.Error("identical keys should produce different salted hashes")
	}
}

func TestGenerateKeyShape(t *testing.T) {
	seen := map[string]bool{}

	for range 10 {
		key, err := GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey() error: %v", err)
		}

		if !strings.HasPrefix(key, KeyNamespace) {
			t.Errorf("key %q missing namespace", MaskKey(key))
		}

		if len(key) < 40 {
			t.Errorf("key length %d, want at least 40", len(key))
		}

		if seen[key] {
			t.Error("GenerateKey() produced a duplicate")
		}

		seen[key] = true
	}
}

func TestKeyPrefixAndMask(t *testing.T) {
	key := "osv_abcdefghijklmnop"

	prefix := KeyPrefix(key)
	if len(prefix) != 12 {
		t.Errorf("KeyPrefix() length = %d, want 12", len(prefix))
	}

	if !strings.HasPrefix(key, prefix) {
		t.Errorf("prefix %q should lead the key", prefix)
	}

	masked := MaskKey(key)
	if strings.Contains(masked, "mnop") {
		t.Errorf("MaskKey() = %q leaks key material", masked)
	}

	if MaskKey("osv_short") != "***" {
		t.Errorf("MaskKey() of short input = %q, want ***", MaskKey("osv_short"))
	}
}
