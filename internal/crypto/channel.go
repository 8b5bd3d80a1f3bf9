package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// defaultSharedSecretCacheSize bounds the in-memory shared-secret cache.
// Shared secrets are never persisted; the cache merely avoids recomputing
// the ECDH + HKDF derivation on every message.
const defaultSharedSecretCacheSize = 256

const channelNonceLen = 12 // AES-GCM standard nonce size

// EncryptionKeyPair is an X25519 keypair used only for authenticated data
// encryption between peers. It is distinct from the long-term Ed25519
// signing keypair.
type EncryptionKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateEncryptionKeyPair creates a new X25519 keypair.
func GenerateEncryptionKeyPair() (*EncryptionKeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, newCryptoError("generate-encryption-keypair", CryptoKeyMissing, err)
	}

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, newCryptoError("generate-encryption-keypair", CryptoKeyMissing, err)
	}

	var pubArr [32]byte
	copy(pubArr[:], pub)
	return &EncryptionKeyPair{Public: pubArr, Private: priv}, nil
}

// SharedSecretCache caches per-peer derived symmetric keys so that the X25519
// ECDH + HKDF derivation runs at most once per counterparty. Bounded by an
// LRU eviction policy keyed by peer-id-hash, per the Design Notes'
// requirement that every ad-hoc cache have an explicit capacity.
type SharedSecretCache struct {
	cache *lru.Cache[string, [32]byte]
}

// NewSharedSecretCache creates a cache with the given capacity. capacity <= 0
// falls back to defaultSharedSecretCacheSize.
func NewSharedSecretCache(capacity int) (*SharedSecretCache, error) {
	if capacity <= 0 {
		capacity = defaultSharedSecretCacheSize
	}
	c, err := lru.New[string, [32]byte](capacity)
	if err != nil {
		return nil, fmt.Errorf("new shared secret cache: %w", err)
	}
	return &SharedSecretCache{cache: c}, nil
}

// deriveSharedSecret runs X25519(ours.Private, theirsPublic) and stretches
// the resulting ECDH point through HKDF-SHA256 into a 32-byte AES-256 key.
func deriveSharedSecret(ours *EncryptionKeyPair, theirsPublic [32]byte) ([32]byte, error) {
	var secret [32]byte

	point, err := curve25519.X25519(ours.Private[:], theirsPublic[:])
	if err != nil {
		return secret, newCryptoError("derive-shared-secret", CryptoKeyMissing, err)
	}

	kdf := hkdf.New(sha256.New, point, nil, []byte("backup-peer/channel-key"))
	if _, err := io.ReadFull(kdf, secret[:]); err != nil {
		return secret, newCryptoError("derive-shared-secret", CryptoKeyMissing, err)
	}
	return secret, nil
}

// SharedSecret returns the cached (or freshly derived) symmetric key shared
// with the counterparty identified by peerIDHash.
func (c *SharedSecretCache) SharedSecret(ours *EncryptionKeyPair, peerIDHash string, theirsPublic [32]byte) ([32]byte, error) {
	if key, ok := c.cache.Get(peerIDHash); ok {
		return key, nil
	}

	key, err := deriveSharedSecret(ours, theirsPublic)
	if err != nil {
		return key, err
	}
	c.cache.Add(peerIDHash, key)
	return key, nil
}

// Evict drops a cached shared secret, e.g. when a peer's encryption key
// rotates.
func (c *SharedSecretCache) Evict(peerIDHash string) {
	c.cache.Remove(peerIDHash)
}

// Seal encrypts plaintext under key using AES-256-GCM with a fresh random
// nonce, returning nonce||ciphertext||tag as a single blob per spec's wire
// framing (AESEncrypt elsewhere in this package instead returns the nonce out-of-band;
// here it travels inline since the wire has no separate nonce field).
func Seal(key [32]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, newCryptoError("seal", CryptoKeyMissing, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, newCryptoError("seal", CryptoKeyMissing, err)
	}

	nonce := make([]byte, channelNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, newCryptoError("seal", CryptoKeyMissing, fmt.Errorf("generate nonce: %w", err))
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Open reverses Seal. Any failure — truncated input, wrong key, tampered
// ciphertext — is reported as a CryptoError of kind CryptoDecryptionFailed,
// which per spec is fatal for the chunk or message it protected.
func Open(key [32]byte, blob []byte) ([]byte, error) {
	if len(blob) < channelNonceLen {
		return nil, newCryptoError("open", CryptoDecryptionFailed, fmt.Errorf("ciphertext too short"))
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, newCryptoError("open", CryptoDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, newCryptoError("open", CryptoDecryptionFailed, err)
	}

	nonce, ciphertext := blob[:channelNonceLen], blob[channelNonceLen:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, newCryptoError("open", CryptoDecryptionFailed, fmt.Errorf("authentication failed: %w", err))
	}
	return plaintext, nil
}
