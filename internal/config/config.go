// Package config resolves this peer's runtime configuration: where its
// state lives on disk, which signaling broker it dials, and the tunable
// defaults for the rate limiter, allocation ledger, and reputation engine.
// Grounded on the flag.NewFlagSet-per-subcommand idiom in
// cmd/nocturne-agent/main.go, narrowed to the single flat flag set this
// module's collaborator-owned CLI surface would delegate to.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config bundles every runtime knob this peer's components need at
// construction, replacing process-wide singletons per the
// "explicit dependency bundle passed at construction" design note.
type Config struct {
	// HomeDir is the root of persisted state; defaults to
	// ${HOME}/.backup-peer per spec §6.
	HomeDir string

	// SignalingURL is the websocket endpoint of the external signaling
	// broker. There is no implicit fallback between a local and a
	// production default: an empty value is a configuration error, not a
	// silently-chosen default, since the broker is this module's only
	// external network dependency.
	SignalingURL string

	// Passphrase optionally protects the local signing/encryption private
	// keys at rest. Empty means unprotected.
	Passphrase string

	// FieldEncryptionSeed derives the persistent store's field-level
	// encryption key. Must be set from secure deployment configuration,
	// never a user-facing password.
	FieldEncryptionSeed string

	// MaxOfferedBytes bounds the allocation ledger's global offered total.
	MaxOfferedBytes int64

	// ReputationMinAcceptable is the default minimum overall score a peer
	// must clear to be considered acceptable for new transfers.
	ReputationMinAcceptable float64

	KeepaliveInterval time.Duration
	ReconnectAttempts int
	CachedSessionTTL  time.Duration

	Debug bool
}

// DefaultMaxOfferedBytes is the fallback ceiling on globally offered
// storage, 100 GiB, when not overridden.
const DefaultMaxOfferedBytes = 100 * 1024 * 1024 * 1024

// Default returns a Config with every field set to spec defaults except
// SignalingURL, HomeDir, FieldEncryptionSeed, which have no safe default
// and must be supplied by the caller.
func Default() Config {
	return Config{
		MaxOfferedBytes:         DefaultMaxOfferedBytes,
		ReputationMinAcceptable: 0.4,
		KeepaliveInterval:       30 * time.Second,
		ReconnectAttempts:       5,
		CachedSessionTTL:        time.Hour,
	}
}

// Load parses args (typically os.Args[1:]) into a Config seeded with
// Default, resolving HomeDir to ${HOME}/.backup-peer when not given
// explicitly. The CLI argument surface itself — subcommands, usage text,
// exit-code conventions — belongs to this module's collaborator; Load only
// covers the flags the library-level components need to construct
// themselves.
func Load(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("backup-peer", flag.ContinueOnError)
	homeDir := fs.String("home", "", "state directory (default ${HOME}/.backup-peer)")
	signalingURL := fs.String("signaling-url", "", "websocket URL of the signaling broker")
	passphrase := fs.String("passphrase", "", "passphrase protecting local private keys")
	fieldSeed := fs.String("field-seed", "", "deployment seed for field-level database encryption")
	maxOffered := fs.Int64("max-offered-bytes", cfg.MaxOfferedBytes, "ceiling on globally offered storage, in bytes")
	minAcceptable := fs.Float64("reputation-min-acceptable", cfg.ReputationMinAcceptable, "minimum overall reputation score considered acceptable")
	debug := fs.Bool("debug", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: parse flags: %w", err)
	}

	cfg.MaxOfferedBytes = *maxOffered
	cfg.ReputationMinAcceptable = *minAcceptable
	cfg.Debug = *debug
	cfg.SignalingURL = *signalingURL
	cfg.Passphrase = *passphrase
	cfg.FieldEncryptionSeed = *fieldSeed

	if *homeDir != "" {
		cfg.HomeDir = *homeDir
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("config: determine home directory: %w", err)
		}
		cfg.HomeDir = filepath.Join(home, ".backup-peer")
	}

	if cfg.SignalingURL == "" {
		return Config{}, fmt.Errorf("config: signaling-url must be set")
	}

	return cfg, nil
}

// KeysDir is where signing and encryption keys are persisted.
func (c Config) KeysDir() string { return filepath.Join(c.HomeDir, "keys") }

// DBPath is the relational store's file path.
func (c Config) DBPath() string { return filepath.Join(c.HomeDir, "backuppeer.db") }

// BackupsDir holds plaintext backup trees staged for sending.
func (c Config) BackupsDir() string { return filepath.Join(c.HomeDir, "backups") }

// ReceivedDir holds completed inbound backups.
func (c Config) ReceivedDir() string { return filepath.Join(c.HomeDir, "received") }

// ReceivedChunksDir holds in-flight inbound chunks pending quarantine
// verification before being moved into ReceivedDir.
func (c Config) ReceivedChunksDir() string { return filepath.Join(c.ReceivedDir(), "chunks") }

// ReputationExportPath is the legacy JSON export path for reputation state.
func (c Config) ReputationExportPath() string { return filepath.Join(c.HomeDir, "reputation.json") }

// AllocationExportPath is the ledger snapshot export path.
func (c Config) AllocationExportPath() string { return filepath.Join(c.HomeDir, "allocation.json") }

// EnsureDirs creates every directory this config names, if missing.
func (c Config) EnsureDirs() error {
	dirs := []string{c.HomeDir, c.KeysDir(), c.BackupsDir(), c.ReceivedDir(), c.ReceivedChunksDir()}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return nil
}
