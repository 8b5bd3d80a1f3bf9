package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
)

const (
	signingPrivateFile   = "signing_private.key"
	signingPublicFile    = "signing_public.key"
	encryptionPrivateFile = "private.key"
	encryptionPublicFile  = "public.key"
)

// KeyManager owns all long-term key material for one peer identity. Per the
// Design Notes, keys are never handed out to other components by reference;
// operations take inputs and return outputs (signatures, shared secrets,
// sealed blobs).
type KeyManager struct {
	signingPub  ed25519.PublicKey
	signingPriv ed25519.PrivateKey
	encKeys     *EncryptionKeyPair
}

// LoadOrCreateKeyManager loads the signing and encryption keypairs from dir,
// generating and atomically persisting new ones on first use. If
// passphrase is non-empty, private key material is encrypted at rest with
// AES-256-GCM under an Argon2id-derived key (grounded on dht.LoadOrGenerateKeypair's
// HashPassword/AESEncrypt pattern); an empty passphrase stores keys in the
// clear, relying solely on the 0600 file mode.
func LoadOrCreateKeyManager(dir, passphrase string) (*KeyManager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, newCryptoError("load-keymanager", CryptoKeyMissing, fmt.Errorf("mkdir %s: %w", dir, err))
	}

	signingPub, signingPriv, err := loadOrGenerateSigningKeys(dir, passphrase)
	if err != nil {
		return nil, err
	}

	encKeys, err := loadOrGenerateEncryptionKeys(dir, passphrase)
	if err != nil {
		return nil, err
	}

	return &KeyManager{signingPub: signingPub, signingPriv: signingPriv, encKeys: encKeys}, nil
}

// SigningPublicKey returns the Ed25519 public key.
func (k *KeyManager) SigningPublicKey() ed25519.PublicKey { return k.signingPub }

// EncryptionPublicKey returns the X25519 public key.
func (k *KeyManager) EncryptionPublicKey() [32]byte { return k.encKeys.Public }

// PeerIDHash returns this identity's stable handle.
func (k *KeyManager) PeerIDHash() string { return PeerIDHash(k.signingPub) }

// SignedIdentity builds and signs a fresh SignedIdentity bundle.
func (k *KeyManager) SignedIdentity(capabilities []string) (*SignedIdentity, error) {
	return BuildSignedIdentity(k.signingPub, k.signingPriv, capabilities)
}

// Sign produces a detached Ed25519 signature over msg.
func (k *KeyManager) Sign(msg []byte) []byte {
	return ed25519.Sign(k.signingPriv, msg)
}

// GenerateSessionProof signs a fresh SessionProof for a new connection.
func (k *KeyManager) GenerateSessionProof(fingerprint string) (*SessionProof, error) {
	return GenerateSessionProof(k.signingPriv, fingerprint)
}

// SharedSecret derives (or fetches from cache) the symmetric key shared with
// a counterparty's X25519 public key.
func (k *KeyManager) SharedSecret(cache *SharedSecretCache, peerIDHash string, theirsPublic [32]byte) ([32]byte, error) {
	return cache.SharedSecret(k.encKeys, peerIDHash, theirsPublic)
}

func loadOrGenerateSigningKeys(dir, passphrase string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	privPath := filepath.Join(dir, signingPrivateFile)
	pubPath := filepath.Join(dir, signingPublicFile)

	if data, err := os.ReadFile(privPath); err == nil {
		priv, err := decodePrivateBlob(data, passphrase, ed25519.PrivateKeySize)
		if err != nil {
			return nil, nil, newCryptoError("load-signing-keys", CryptoDecryptionFailed, err)
		}
		key := ed25519.PrivateKey(priv)
		return key.Public().(ed25519.PublicKey), key, nil
	} else if !os.IsNotExist(err) {
		return nil, nil, newCryptoError("load-signing-keys", CryptoKeyMissing, err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, newCryptoError("load-signing-keys", CryptoKeyMissing, fmt.Errorf("generate: %w", err))
	}

	if err := writePrivateAtomic(privPath, []byte(priv), passphrase); err != nil {
		return nil, nil, err
	}
	if err := writeAtomic(pubPath, []byte(pub), 0644); err != nil {
		return nil, nil, newCryptoError("load-signing-keys", CryptoKeyMissing, err)
	}

	return pub, priv, nil
}

func loadOrGenerateEncryptionKeys(dir, passphrase string) (*EncryptionKeyPair, error) {
	privPath := filepath.Join(dir, encryptionPrivateFile)
	pubPath := filepath.Join(dir, encryptionPublicFile)

	if data, err := os.ReadFile(privPath); err == nil {
		raw, err := decodePrivateBlob(data, passphrase, 32)
		if err != nil {
			return nil, newCryptoError("load-encryption-keys", CryptoDecryptionFailed, err)
		}
		var priv [32]byte
		copy(priv[:], raw)
		pub, err := publicFromPrivate(priv)
		if err != nil {
			return nil, newCryptoError("load-encryption-keys", CryptoKeyMissing, err)
		}
		return &EncryptionKeyPair{Public: pub, Private: priv}, nil
	} else if !os.IsNotExist(err) {
		return nil, newCryptoError("load-encryption-keys", CryptoKeyMissing, err)
	}

	keys, err := GenerateEncryptionKeyPair()
	if err != nil {
		return nil, err
	}

	if err := writePrivateAtomic(privPath, keys.Private[:], passphrase); err != nil {
		return nil, err
	}
	if err := writeAtomic(pubPath, keys.Public[:], 0644); err != nil {
		return nil, newCryptoError("load-encryption-keys", CryptoKeyMissing, err)
	}

	return keys, nil
}

func publicFromPrivate(priv [32]byte) ([32]byte, error) {
	var pub [32]byte
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], p)
	return pub, nil
}

// writePrivateAtomic persists private key material with 0600 permissions,
// optionally passphrase-encrypted, writing to a temp file and renaming into
// place so a crash never leaves a partially-written key file.
func writePrivateAtomic(path string, raw []byte, passphrase string) error {
	blob := raw
	if passphrase != "" {
		ciphertext, salt, nonce, err := AESEncrypt(raw, passphrase)
		if err != nil {
			return newCryptoError("write-private-key", CryptoKeyMissing, err)
		}
		blob = encodePassphraseBlob(salt, nonce, ciphertext)
	}
	if err := writeAtomic(path, blob, 0600); err != nil {
		return newCryptoError("write-private-key", CryptoKeyMissing, err)
	}
	return nil
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// passphrase-encrypted blob layout: 1-byte salt length | salt | 1-byte nonce
// length | nonce | ciphertext.
func encodePassphraseBlob(salt, nonce, ciphertext []byte) []byte {
	out := make([]byte, 0, 2+len(salt)+len(nonce)+len(ciphertext))
	out = append(out, byte(len(salt)))
	out = append(out, salt...)
	out = append(out, byte(len(nonce)))
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out
}

func decodePrivateBlob(data []byte, passphrase string, wantLen int) ([]byte, error) {
	if passphrase == "" {
		if len(data) != wantLen {
			return nil, fmt.Errorf("invalid key file: expected %d bytes, got %d", wantLen, len(data))
		}
		return data, nil
	}

	if len(data) < 2 {
		return nil, fmt.Errorf("invalid encrypted key file")
	}
	saltLen := int(data[0])
	if len(data) < 1+saltLen+1 {
		return nil, fmt.Errorf("invalid encrypted key file")
	}
	salt := data[1 : 1+saltLen]
	rest := data[1+saltLen:]
	nonceLen := int(rest[0])
	if len(rest) < 1+nonceLen {
		return nil, fmt.Errorf("invalid encrypted key file")
	}
	nonce := rest[1 : 1+nonceLen]
	ciphertext := rest[1+nonceLen:]

	plaintext, err := AESDecrypt(ciphertext, passphrase, salt, nonce)
	if err != nil {
		return nil, fmt.Errorf("decrypt key file (wrong passphrase?): %w", err)
	}
	if len(plaintext) != wantLen {
		return nil, fmt.Errorf("invalid decrypted key length: expected %d bytes, got %d", wantLen, len(plaintext))
	}
	return plaintext, nil
}

// keyHexPreview returns a short, non-sensitive hex identifier for a public
// key, suitable for log lines; it must never be used on private material.
func keyHexPreview(pub []byte) string {
	if len(pub) < 4 {
		return hex.EncodeToString(pub)
	}
	return hex.EncodeToString(pub[:4])
}
