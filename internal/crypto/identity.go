package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ProtocolVersion is the current signed-identity wire version.
const ProtocolVersion = 1

// identityMaxAge bounds how old an issued identity may be at verification
// time.
const identityMaxAge = time.Hour

// PeerIDHash derives the stable peer handle from a signing public key: the
// lower 16 hex characters of SHA-256(pub). Grounded on
// dht.NodeIDFromPublicKey, truncated per spec instead of keeping the full
// 32-byte digest.
func PeerIDHash(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	full := hex.EncodeToString(sum[:])
	return full[len(full)-16:]
}

// SignedIdentity bundles a peer's public signing key with a signature over
// its own peer-id-hash, so a recipient can verify both the hash derivation
// and the signer's control of the private key in one step.
type SignedIdentity struct {
	PeerIDHash   string            `json:"peer_id_hash"`
	Signature    string            `json:"signature"` // hex-encoded Ed25519 signature over PeerIDHash
	PublicKey    ed25519.PublicKey `json:"public_key"`
	IssuedAt     int64             `json:"issued_at"` // unix seconds
	Version      int               `json:"version"`
	Capabilities []string          `json:"capabilities,omitempty"`
}

// BuildSignedIdentity constructs and signs a SignedIdentity for the given
// keypair.
func BuildSignedIdentity(pub ed25519.PublicKey, priv ed25519.PrivateKey, capabilities []string) (*SignedIdentity, error) {
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, newCryptoError("build-identity", CryptoKeyMissing, fmt.Errorf("invalid key length"))
	}

	hash := PeerIDHash(pub)
	sig := ed25519.Sign(priv, []byte(hash))

	return &SignedIdentity{
		PeerIDHash:   hash,
		Signature:    hex.EncodeToString(sig),
		PublicKey:    pub,
		IssuedAt:     time.Now().Unix(),
		Version:      ProtocolVersion,
		Capabilities: capabilities,
	}, nil
}

// TrustLevelSoftwareVerified is the trust level assigned to any identity
// that passes VerifyIdentity's cryptographic and freshness checks — it
// attests only that the software verified the signature and hash, not any
// reputation-derived trust (see internal/reputation for that).
const TrustLevelSoftwareVerified = "software-verified"

// IdentityVerification is the successful result of VerifyIdentity.
type IdentityVerification struct {
	Valid      bool
	PeerIDHash string
	PublicKey  ed25519.PublicKey
	TrustLevel string
}

// VerifyIdentity checks a signed identity's internal consistency: the
// bundled hash must equal SHA-256(public key) truncated, the signature must
// verify against the bundled public key, the protocol version must be
// supported, and the issue timestamp must not be older than one hour.
func VerifyIdentity(id *SignedIdentity, now time.Time) (*IdentityVerification, error) {
	if id == nil {
		return nil, newIdentityError(IdentityHashMismatch, "nil identity")
	}

	if id.Version != ProtocolVersion {
		return nil, newIdentityError(IdentityVersionUnsupported, fmt.Sprintf("got version %d, want %d", id.Version, ProtocolVersion))
	}

	if len(id.PublicKey) != ed25519.PublicKeySize {
		return nil, newIdentityError(IdentityKeyLength, fmt.Sprintf("public key length %d", len(id.PublicKey)))
	}

	issued := time.Unix(id.IssuedAt, 0)
	if now.Sub(issued) > identityMaxAge {
		return nil, newIdentityError(IdentityExpired, fmt.Sprintf("issued at %s, now %s", issued, now))
	}
	// An identity issued in the future (beyond clock skew tolerance) is
	// equally suspect; treat it the same way as stale.
	if issued.Sub(now) > identityMaxAge {
		return nil, newIdentityError(IdentityExpired, fmt.Sprintf("issued at %s is in the future relative to %s", issued, now))
	}

	wantHash := PeerIDHash(id.PublicKey)
	if wantHash != id.PeerIDHash {
		return nil, newIdentityError(IdentityHashMismatch, fmt.Sprintf("got %s, want %s", id.PeerIDHash, wantHash))
	}

	sig, err := hex.DecodeString(id.Signature)
	if err != nil {
		return nil, newIdentityError(IdentitySignatureInvalid, "signature is not valid hex")
	}

	if !ed25519.Verify(id.PublicKey, []byte(id.PeerIDHash), sig) {
		return nil, newIdentityError(IdentitySignatureInvalid, "invalid signature")
	}

	return &IdentityVerification{
		Valid:      true,
		PeerIDHash: id.PeerIDHash,
		PublicKey:  id.PublicKey,
		TrustLevel: TrustLevelSoftwareVerified,
	}, nil
}
