package ccflare

import (
	"strings"
	"testing"
)

func TestGenerateKeyFormat(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for range 64 {
		key := GenerateKey()
		if !strings.HasPrefix(key, APIKeyPrefix) {
			t.Fatalf("key %q missing %q prefix", key, APIKeyPrefix)
		}
		random := key[len(APIKeyPrefix):]
		if len(random) != keyRandomLen {
			t.Fatalf("key %q random part length = %d, want %d", key, len(random), keyRandomLen)
		}
		for _, c := range random {
			if !strings.ContainsRune(base62Alphabet, c) {
				t.Fatalf("key %q carries %q outside the alphabet", key, c)
			}
		}
		if seen[key] {
			t.Fatalf("key %q generated twice", key)
		}
		seen[key] = true
	}
}

func TestHashKeyRoundTrip(t *testing.T) {
	t.Parallel()

	key := GenerateKey()
	stored := HashKey(key)
	if !VerifyKey(key, stored) {
		t.Error("generated key does not verify against its own hash")
	}
	if VerifyKey(GenerateKey(), stored) {
		t.Error("different key verified against the hash")
	}
	if VerifyKey(key, "not-a-salt-hash-pair") {
		t.Error("malformed stored value verified")
	}
	// Fresh salt per hash: two hashes of one key must differ.
	if stored == HashKey(key) {
		t.Error("hashing reused the salt")
	}
}
