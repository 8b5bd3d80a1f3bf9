package verification

import (
	"testing"
	"time"

	"github.com/ssd-technologies/backup-peer/internal/crypto"
)

func newTestKeyManager(t *testing.T) *crypto.KeyManager {
	t.Helper()
	km, err := crypto.LoadOrCreateKeyManager(t.TempDir(), "")
	if err != nil {
		t.Fatalf("key manager: %v", err)
	}
	return km
}

func TestBuildAndVerifyCommitment(t *testing.T) {
	km := newTestKeyManager(t)
	now := time.Unix(1_700_000_000, 0)

	c := BuildCommitment(km, 1<<30, "always-on", now)
	if err := VerifyCommitment(c, km.SigningPublicKey(), now); err != nil {
		t.Fatalf("expected commitment to verify: %v", err)
	}
}

func TestVerifyCommitment_RejectsTamperedSignature(t *testing.T) {
	km := newTestKeyManager(t)
	now := time.Unix(1_700_000_000, 0)

	c := BuildCommitment(km, 1<<30, "always-on", now)
	c.BytesOffered = 1 << 31 // tamper after signing

	if err := VerifyCommitment(c, km.SigningPublicKey(), now); err == nil {
		t.Fatalf("expected tampered commitment to fail verification")
	}
}

func TestVerifyCommitment_RejectsExpired(t *testing.T) {
	km := newTestKeyManager(t)
	now := time.Unix(1_700_000_000, 0)

	c := BuildCommitment(km, 1<<30, "always-on", now)
	afterExpiry := now.Add(defaultRetention + time.Hour)

	if err := VerifyCommitment(c, km.SigningPublicKey(), afterExpiry); err == nil {
		t.Fatalf("expected expired commitment to fail verification")
	}
}

func TestVerifyCommitment_BytesOfferedBounds(t *testing.T) {
	km := newTestKeyManager(t)
	now := time.Unix(1_700_000_000, 0)

	tooSmall := BuildCommitment(km, (1<<20)-1, "always-on", now)
	if err := VerifyCommitment(tooSmall, km.SigningPublicKey(), now); err == nil {
		t.Fatalf("expected commitment below 1 MiB to fail verification")
	}

	tooLarge := BuildCommitment(km, (1<<40)+1, "always-on", now)
	if err := VerifyCommitment(tooLarge, km.SigningPublicKey(), now); err == nil {
		t.Fatalf("expected commitment above 1 TiB to fail verification")
	}

	lowerBound := BuildCommitment(km, 1<<20, "always-on", now)
	if err := VerifyCommitment(lowerBound, km.SigningPublicKey(), now); err != nil {
		t.Fatalf("expected commitment at exactly 1 MiB to verify: %v", err)
	}

	upperBound := BuildCommitment(km, 1<<40, "always-on", now)
	if err := VerifyCommitment(upperBound, km.SigningPublicKey(), now); err != nil {
		t.Fatalf("expected commitment at exactly 1 TiB to verify: %v", err)
	}
}

func TestVerifyCommitment_RejectsWrongSigner(t *testing.T) {
	km := newTestKeyManager(t)
	other := newTestKeyManager(t)
	now := time.Unix(1_700_000_000, 0)

	c := BuildCommitment(km, 1<<30, "always-on", now)
	if err := VerifyCommitment(c, other.SigningPublicKey(), now); err == nil {
		t.Fatalf("expected commitment signed by a different key to fail verification")
	}
}
