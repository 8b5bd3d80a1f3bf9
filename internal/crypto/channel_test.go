package crypto

import (
	"bytes"
	"testing"
)

func TestChannel_SealOpen_RoundTrip(t *testing.T) {
	a, err := GenerateEncryptionKeyPair()
	if err != nil {
		t.Fatalf("generate keypair a: %v", err)
	}
	b, err := GenerateEncryptionKeyPair()
	if err != nil {
		t.Fatalf("generate keypair b: %v", err)
	}

	cacheA, err := NewSharedSecretCache(0)
	if err != nil {
		t.Fatalf("new cache a: %v", err)
	}
	cacheB, err := NewSharedSecretCache(0)
	if err != nil {
		t.Fatalf("new cache b: %v", err)
	}

	keyA, err := cacheA.SharedSecret(a, "peer-b", b.Public)
	if err != nil {
		t.Fatalf("derive shared secret a: %v", err)
	}
	keyB, err := cacheB.SharedSecret(b, "peer-a", a.Public)
	if err != nil {
		t.Fatalf("derive shared secret b: %v", err)
	}

	if keyA != keyB {
		t.Fatal("shared secrets derived by both sides must match")
	}

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	sealed, err := Seal(keyA, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(sealed, plaintext) {
		t.Fatal("sealed blob must differ from plaintext")
	}

	opened, err := Open(keyB, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", opened, plaintext)
	}
}

func TestChannel_Open_TamperedCiphertextFails(t *testing.T) {
	key := [32]byte{1, 2, 3}
	sealed, err := Seal(key, []byte("hello"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xFF

	_, err = Open(key, sealed)
	if err == nil {
		t.Fatal("expected open to fail on tampered ciphertext")
	}
	if ce, ok := err.(*CryptoError); !ok || ce.Kind != CryptoDecryptionFailed {
		t.Fatalf("expected CryptoDecryptionFailed, got %v", err)
	}
}

func TestChannel_SharedSecretCache_Caches(t *testing.T) {
	a, _ := GenerateEncryptionKeyPair()
	b, _ := GenerateEncryptionKeyPair()
	cache, err := NewSharedSecretCache(4)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	k1, err := cache.SharedSecret(a, "peer-b", b.Public)
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}
	k2, err := cache.SharedSecret(a, "peer-b", b.Public)
	if err != nil {
		t.Fatalf("shared secret (cached): %v", err)
	}
	if k1 != k2 {
		t.Fatal("cached shared secret must be stable across calls")
	}

	cache.Evict("peer-b")
	k3, err := cache.SharedSecret(a, "peer-b", b.Public)
	if err != nil {
		t.Fatalf("shared secret (post-evict): %v", err)
	}
	if k1 != k3 {
		t.Fatal("re-derivation after eviction should produce the same deterministic secret")
	}
}
