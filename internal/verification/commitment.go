package verification

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/ssd-technologies/backup-peer/internal/crypto"
	"github.com/ssd-technologies/backup-peer/internal/store"
)

// defaultRetention is used when the caller does not name a retention
// period for a freshly-built commitment.
const defaultRetention = 30 * 24 * time.Hour

// Bounds on bytes-offered per spec §3: 1 MiB <= bytes-offered <= 1 TiB.
const (
	minBytesOffered int64 = 1 << 20
	maxBytesOffered int64 = 1 << 40
)

// commitmentSigningInput builds the canonical bytes a commitment's
// signature covers.
func commitmentSigningInput(c *store.StorageCommitment) []byte {
	return []byte(fmt.Sprintf("%x|%d|%s|%d|%d|%d",
		c.EncryptionPublicKey, c.BytesOffered, c.AvailabilityTerms, c.RetentionPeriodMs, c.CreatedAt, c.ExpiresAt))
}

// BuildCommitment constructs and signs a storage commitment this node is
// offering to a peer, using the node's own signing key.
func BuildCommitment(keyManager *crypto.KeyManager, bytesOffered int64, availabilityTerms string, now time.Time) *store.StorageCommitment {
	encPub := keyManager.EncryptionPublicKey()
	c := &store.StorageCommitment{
		EncryptionPublicKey: encPub[:],
		BytesOffered:        bytesOffered,
		AvailabilityTerms:   availabilityTerms,
		RetentionPeriodMs:   defaultRetention.Milliseconds(),
		CreatedAt:           now.Unix(),
		ExpiresAt:           now.Add(defaultRetention).Unix(),
	}
	c.Signature = keyManager.Sign(commitmentSigningInput(c))
	return c
}

// VerifyCommitment checks a received commitment's signature against the
// peer's signing public key, that bytes-offered falls within [1 MiB, 1 TiB],
// and that it has not already expired.
func VerifyCommitment(c *store.StorageCommitment, peerSigningKey ed25519.PublicKey, now time.Time) error {
	if now.Unix() > c.ExpiresAt {
		return newError(ErrChallengeExpired, fmt.Errorf("storage commitment already expired"))
	}
	if c.BytesOffered < minBytesOffered || c.BytesOffered > maxBytesOffered {
		return newError(ErrProofMismatch, fmt.Errorf("bytes offered %d out of bounds [%d, %d]", c.BytesOffered, minBytesOffered, maxBytesOffered))
	}
	if !ed25519.Verify(peerSigningKey, commitmentSigningInput(c), c.Signature) {
		return newError(ErrProofMismatch, fmt.Errorf("storage commitment signature invalid"))
	}
	return nil
}

// ExchangeStorageCommitments is called once a session reaches its
// connected state. It persists the peer's (already verified) commitment
// and returns this node's own commitment to send in reply.
func ExchangeStorageCommitments(db *store.DB, keyManager *crypto.KeyManager, peerIDHash string, peerCommitment *store.StorageCommitment, peerSigningKey ed25519.PublicKey, bytesOffered int64, availabilityTerms string, now time.Time) (*store.StorageCommitment, error) {
	if err := VerifyCommitment(peerCommitment, peerSigningKey, now); err != nil {
		return nil, err
	}
	peerCommitment.PeerIDHash = peerIDHash
	if err := db.CreateStorageCommitment(peerCommitment); err != nil {
		return nil, err
	}
	return BuildCommitment(keyManager, bytesOffered, availabilityTerms, now), nil
}
