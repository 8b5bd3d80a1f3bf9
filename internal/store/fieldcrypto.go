package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	fieldKeyLen       = 32
	fieldNonceLen     = 16 // 128-bit nonce per spec §4.2
	pbkdf2Iterations  = 100_000
	pbkdf2SaltForSeed = "backup-peer/field-encryption/v1" // fixed salt: the seed itself is the secret
)

// FieldCipher encrypts and decrypts individual column values for the
// encrypted-field contract of spec §4.2 (peers.public_key/metadata,
// cached_peer_connections.public_key/session blob/metadata,
// storage_commitments.signature, verification_challenges.challenge_data/
// response_data). The key is derived once at startup via PBKDF2-HMAC-SHA256
// at ≥100,000 iterations from a deployment-specific seed — grounded on
// golang.org/x/crypto (the same module family as internal/crypto's argon2 KDF)
// but using PBKDF2 specifically because spec §4.2 names it explicitly for
// this concern, unlike the Argon2id used for local passphrase-protected key
// storage in internal/crypto.
type FieldCipher struct {
	key [fieldKeyLen]byte
}

// NewFieldCipher derives the field-encryption key from a deployment seed.
// The seed is expected to come from secure configuration (e.g. a secret
// mounted into the deployment), not a user-facing password.
func NewFieldCipher(seed string) *FieldCipher {
	var key [fieldKeyLen]byte
	derived := pbkdf2.Key([]byte(seed), []byte(pbkdf2SaltForSeed), pbkdf2Iterations, fieldKeyLen, sha256.New)
	copy(key[:], derived)
	return &FieldCipher{key: key}
}

// Encrypt seals value with AES-256-GCM under a fresh random 128-bit nonce,
// returning nonce||ciphertext||tag. Every write of a record with encrypted
// fields must call this before binding parameters.
func (c *FieldCipher) Encrypt(value []byte) ([]byte, error) {
	if value == nil {
		return nil, nil
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("field encrypt: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, fieldNonceLen)
	if err != nil {
		return nil, fmt.Errorf("field encrypt: new gcm: %w", err)
	}

	nonce := make([]byte, fieldNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("field encrypt: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, value, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt reverses Encrypt. Every read must attempt this and surface a
// field-decrypt StoreError rather than returning ciphertext to the caller.
func (c *FieldCipher) Decrypt(blob []byte) ([]byte, error) {
	if blob == nil {
		return nil, nil
	}
	if len(blob) < fieldNonceLen {
		return nil, newError("field-decrypt", ErrFieldDecrypt, fmt.Errorf("ciphertext too short"))
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, newError("field-decrypt", ErrFieldDecrypt, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, fieldNonceLen)
	if err != nil {
		return nil, newError("field-decrypt", ErrFieldDecrypt, err)
	}

	nonce, ciphertext := blob[:fieldNonceLen], blob[fieldNonceLen:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, newError("field-decrypt", ErrFieldDecrypt, fmt.Errorf("authentication failed: %w", err))
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper for text columns.
func (c *FieldCipher) EncryptString(value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	return c.Encrypt([]byte(value))
}

// DecryptString is a convenience wrapper for text columns.
func (c *FieldCipher) DecryptString(blob []byte) (string, error) {
	plaintext, err := c.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
