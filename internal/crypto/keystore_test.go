package crypto

import (
	"os"
	"path/filepath"
	"testing"
)

func TestKeyManager_GeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	km1, err := LoadOrCreateKeyManager(dir, "")
	if err != nil {
		t.Fatalf("load or create key manager: %v", err)
	}

	km2, err := LoadOrCreateKeyManager(dir, "")
	if err != nil {
		t.Fatalf("reload key manager: %v", err)
	}

	if km1.PeerIDHash() != km2.PeerIDHash() {
		t.Fatal("reloaded key manager should have the same peer id hash")
	}
	if km1.EncryptionPublicKey() != km2.EncryptionPublicKey() {
		t.Fatal("reloaded key manager should have the same encryption public key")
	}
}

func TestKeyManager_PassphraseProtected(t *testing.T) {
	dir := t.TempDir()

	km1, err := LoadOrCreateKeyManager(dir, "correct horse battery staple")
	if err != nil {
		t.Fatalf("load or create key manager: %v", err)
	}

	if _, err := LoadOrCreateKeyManager(dir, "wrong passphrase"); err == nil {
		t.Fatal("expected load with wrong passphrase to fail")
	}

	km2, err := LoadOrCreateKeyManager(dir, "correct horse battery staple")
	if err != nil {
		t.Fatalf("reload with correct passphrase: %v", err)
	}
	if km1.PeerIDHash() != km2.PeerIDHash() {
		t.Fatal("reloaded key manager should have the same peer id hash")
	}
}

func TestKeyManager_SignAndVerifyIdentity(t *testing.T) {
	dir := t.TempDir()
	km, err := LoadOrCreateKeyManager(dir, "")
	if err != nil {
		t.Fatalf("load or create key manager: %v", err)
	}

	id, err := km.SignedIdentity(nil)
	if err != nil {
		t.Fatalf("signed identity: %v", err)
	}
	if id.PeerIDHash != km.PeerIDHash() {
		t.Fatalf("identity hash mismatch: got %s, want %s", id.PeerIDHash, km.PeerIDHash())
	}
}

func TestKeyManager_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadOrCreateKeyManager(dir, ""); err != nil {
		t.Fatalf("load or create key manager: %v", err)
	}

	for _, name := range []string{signingPrivateFile, encryptionPrivateFile} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
		if info.Mode().Perm() != 0600 {
			t.Fatalf("%s: expected mode 0600, got %v", name, info.Mode().Perm())
		}
	}
}
