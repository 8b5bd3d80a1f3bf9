package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to a SQLite database plus the field cipher
// used to encrypt sensitive columns at rest.
type DB struct {
	db     *sql.DB
	cipher *FieldCipher
}

// NewDB opens (or creates) a SQLite database at path, enables WAL mode and
// foreign keys, runs schema migrations, and derives the field-encryption key
// from fieldSeed via NewFieldCipher.
func NewDB(path, fieldSeed string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newError("open", ErrIO, err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, newError("ping", ErrIO, err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, newError("enable foreign keys", ErrIO, err)
	}

	d := &DB{db: sqlDB, cipher: NewFieldCipher(fieldSeed)}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, newError("migrate", ErrSchema, err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables and indices if they do not already
// exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS backups (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    direction TEXT NOT NULL,
    counterparty_hash TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    status TEXT NOT NULL,
    file_count INTEGER DEFAULT 0,
    total_bytes INTEGER DEFAULT 0,
    metadata_json TEXT
);

CREATE TABLE IF NOT EXISTS backup_files (
    backup_id TEXT NOT NULL,
    relative_path TEXT NOT NULL,
    size INTEGER NOT NULL,
    sha256 TEXT NOT NULL,
    chunk_count INTEGER NOT NULL,
    transfer_status TEXT NOT NULL,
    PRIMARY KEY (backup_id, relative_path),
    FOREIGN KEY (backup_id) REFERENCES backups(id)
);

CREATE TABLE IF NOT EXISTS transfer_chunk_states (
    backup_id TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    chunk_hash TEXT NOT NULL,
    chunk_size INTEGER NOT NULL,
    state TEXT NOT NULL,
    attempt_count INTEGER DEFAULT 0,
    last_attempt INTEGER,
    error_message TEXT,
    PRIMARY KEY (backup_id, chunk_index),
    FOREIGN KEY (backup_id) REFERENCES backups(id)
);

CREATE TABLE IF NOT EXISTS peers (
    peer_id_hash TEXT PRIMARY KEY,
    public_key BLOB NOT NULL,
    encryption_public_key BLOB NOT NULL,
    metadata_json BLOB,
    trust_level TEXT NOT NULL,
    first_seen INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS storage_commitments (
    peer_id_hash TEXT NOT NULL,
    encryption_public_key BLOB NOT NULL,
    bytes_offered INTEGER NOT NULL,
    availability_terms TEXT,
    retention_period_ms INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    signature BLOB NOT NULL,
    PRIMARY KEY (peer_id_hash, created_at),
    FOREIGN KEY (peer_id_hash) REFERENCES peers(peer_id_hash)
);

CREATE TABLE IF NOT EXISTS verification_challenges (
    id TEXT PRIMARY KEY,
    backup_id TEXT NOT NULL,
    peer_id_hash TEXT NOT NULL,
    kind TEXT NOT NULL,
    challenge_data BLOB,
    response_data BLOB,
    status TEXT NOT NULL,
    issued_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    response_time_ms INTEGER DEFAULT 0,
    FOREIGN KEY (backup_id) REFERENCES backups(id),
    FOREIGN KEY (peer_id_hash) REFERENCES peers(peer_id_hash)
);

CREATE TABLE IF NOT EXISTS transfer_sessions (
    id TEXT PRIMARY KEY,
    backup_id TEXT NOT NULL,
    peer_id_hash TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (backup_id) REFERENCES backups(id),
    FOREIGN KEY (peer_id_hash) REFERENCES peers(peer_id_hash)
);

CREATE TABLE IF NOT EXISTS cached_peer_connections (
    peer_id_hash TEXT PRIMARY KEY,
    public_key BLOB NOT NULL,
    session_blob BLOB,
    metadata_json BLOB,
    last_seen INTEGER NOT NULL,
    trust_level TEXT NOT NULL,
    total_attempts INTEGER DEFAULT 0,
    successful_attempts INTEGER DEFAULT 0,
    last_success_at INTEGER
);

CREATE TABLE IF NOT EXISTS sync_schedules (
    backup_id TEXT PRIMARY KEY,
    peer_id_hash TEXT NOT NULL,
    next_sync_time INTEGER NOT NULL,
    cadence_ms INTEGER NOT NULL,
    FOREIGN KEY (backup_id) REFERENCES backups(id),
    FOREIGN KEY (peer_id_hash) REFERENCES peers(peer_id_hash)
);

CREATE INDEX IF NOT EXISTS idx_backups_counterparty ON backups(counterparty_hash);
CREATE INDEX IF NOT EXISTS idx_backups_status ON backups(status);
CREATE INDEX IF NOT EXISTS idx_backup_files_status ON backup_files(transfer_status);
CREATE INDEX IF NOT EXISTS idx_chunk_states_state ON transfer_chunk_states(state);
CREATE INDEX IF NOT EXISTS idx_peers_trust_level ON peers(trust_level);
CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);
CREATE INDEX IF NOT EXISTS idx_commitments_expires ON storage_commitments(expires_at);
CREATE INDEX IF NOT EXISTS idx_challenges_peer ON verification_challenges(peer_id_hash);
CREATE INDEX IF NOT EXISTS idx_challenges_status ON verification_challenges(status);
CREATE INDEX IF NOT EXISTS idx_sessions_peer ON transfer_sessions(peer_id_hash);
CREATE INDEX IF NOT EXISTS idx_cached_peers_trust ON cached_peer_connections(trust_level);
CREATE INDEX IF NOT EXISTS idx_schedules_next_sync ON sync_schedules(next_sync_time);`
	_, err := d.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("exec schema: %w", err)
	}
	return nil
}
