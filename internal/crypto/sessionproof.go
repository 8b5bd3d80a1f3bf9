package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// sessionProofWindow is the maximum allowed clock skew, in either
// direction, between a SessionProof's timestamp and the verifier's clock.
const sessionProofWindow = 5 * time.Minute

// SessionProof binds a fresh connection instance to a point in time and a
// random nonce, so that a replayed handshake from an earlier connection
// cannot be mistaken for a new one.
type SessionProof struct {
	Fingerprint string `json:"fingerprint"` // ICE candidate fingerprint, or a placeholder
	Timestamp   int64  `json:"timestamp"`
	Nonce       string `json:"nonce"` // hex-encoded random bytes
	Hash        string `json:"hash"`  // hex(SHA-256(fingerprint ":" timestamp ":" nonce))
	Signature   string `json:"signature"`
}

func sessionProofHash(fingerprint string, timestamp int64, nonce string) []byte {
	msg := fingerprint + ":" + strconv.FormatInt(timestamp, 10) + ":" + nonce
	sum := sha256.Sum256([]byte(msg))
	return sum[:]
}

// GenerateSessionProof creates and signs a fresh SessionProof. fingerprint
// may be an ICE candidate fingerprint, or "" to use the placeholder.
func GenerateSessionProof(priv ed25519.PrivateKey, fingerprint string) (*SessionProof, error) {
	if fingerprint == "" {
		fingerprint = "placeholder"
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, newCryptoError("session-proof", CryptoKeyMissing, fmt.Errorf("generate nonce: %w", err))
	}
	nonce := hex.EncodeToString(nonceBytes)
	timestamp := time.Now().Unix()

	hash := sessionProofHash(fingerprint, timestamp, nonce)
	sig := ed25519.Sign(priv, hash)

	return &SessionProof{
		Fingerprint: fingerprint,
		Timestamp:   timestamp,
		Nonce:       nonce,
		Hash:        hex.EncodeToString(hash),
		Signature:   hex.EncodeToString(sig),
	}, nil
}

// VerifySessionProof checks that the proof's hash matches its own fields,
// that the signature verifies against pub, and that the timestamp falls
// within the ±5-minute acceptance window of now.
func VerifySessionProof(proof *SessionProof, pub ed25519.PublicKey, now time.Time) error {
	if proof == nil {
		return newCryptoError("verify-session-proof", CryptoHashMismatch, fmt.Errorf("nil proof"))
	}

	issued := time.Unix(proof.Timestamp, 0)
	delta := now.Sub(issued)
	if delta < 0 {
		delta = -delta
	}
	if delta > sessionProofWindow {
		return newCryptoError("verify-session-proof", CryptoHashMismatch, fmt.Errorf("timestamp %s outside ±%s window of %s", issued, sessionProofWindow, now))
	}

	wantHash := sessionProofHash(proof.Fingerprint, proof.Timestamp, proof.Nonce)
	if hex.EncodeToString(wantHash) != proof.Hash {
		return newCryptoError("verify-session-proof", CryptoHashMismatch, fmt.Errorf("hash mismatch"))
	}

	sig, err := hex.DecodeString(proof.Signature)
	if err != nil {
		return newCryptoError("verify-session-proof", CryptoSignatureInvalid, fmt.Errorf("signature not valid hex: %w", err))
	}

	if !ed25519.Verify(pub, wantHash, sig) {
		return newCryptoError("verify-session-proof", CryptoSignatureInvalid, fmt.Errorf("invalid signature"))
	}

	return nil
}
