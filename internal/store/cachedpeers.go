package store

import (
	"database/sql"
	"errors"
)

// UpsertCachedPeerConnection records or refreshes a resumable-session cache
// entry for fast reconnect, grounded on the connection-cache
// pattern in internal/mesh. PublicKey, SessionBlob and MetadataJSON are
// encrypted at rest.
func (d *DB) UpsertCachedPeerConnection(c *CachedPeerConnection) error {
	encPub, err := d.cipher.Encrypt(c.PublicKey)
	if err != nil {
		return newError("upsert cached peer connection", ErrFieldDecrypt, err)
	}
	encBlob, err := d.cipher.Encrypt(c.SessionBlob)
	if err != nil {
		return newError("upsert cached peer connection", ErrFieldDecrypt, err)
	}
	encMeta, err := d.cipher.EncryptString(c.MetadataJSON)
	if err != nil {
		return newError("upsert cached peer connection", ErrFieldDecrypt, err)
	}

	_, err = d.db.Exec(
		`INSERT INTO cached_peer_connections (peer_id_hash, public_key, session_blob, metadata_json, last_seen, trust_level, total_attempts, successful_attempts, last_success_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(peer_id_hash) DO UPDATE SET
		     public_key = excluded.public_key, session_blob = excluded.session_blob,
		     metadata_json = excluded.metadata_json, last_seen = excluded.last_seen,
		     trust_level = excluded.trust_level, total_attempts = excluded.total_attempts,
		     successful_attempts = excluded.successful_attempts, last_success_at = excluded.last_success_at`,
		c.PeerIDHash, encPub, encBlob, encMeta, c.LastSeen, c.TrustLevel, c.TotalAttempts, c.SuccessfulAttempts, c.LastSuccessAt,
	)
	if err != nil {
		return newError("upsert cached peer connection", ErrIO, err)
	}
	return nil
}

// GetCachedPeerConnection retrieves and decrypts a cached connection by peer
// id hash.
func (d *DB) GetCachedPeerConnection(peerIDHash string) (*CachedPeerConnection, error) {
	c := &CachedPeerConnection{}
	var encPub, encBlob []byte
	var encMeta sql.NullString
	var lastSuccessAt sql.NullInt64
	err := d.db.QueryRow(
		`SELECT peer_id_hash, public_key, session_blob, metadata_json, last_seen, trust_level, total_attempts, successful_attempts, last_success_at
		 FROM cached_peer_connections WHERE peer_id_hash = ?`, peerIDHash,
	).Scan(&c.PeerIDHash, &encPub, &encBlob, &encMeta, &c.LastSeen, &c.TrustLevel, &c.TotalAttempts, &c.SuccessfulAttempts, &lastSuccessAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError("get cached peer connection", ErrNotFound, err)
	}
	if err != nil {
		return nil, newError("get cached peer connection", ErrIO, err)
	}

	if c.PublicKey, err = d.cipher.Decrypt(encPub); err != nil {
		return nil, err
	}
	if c.SessionBlob, err = d.cipher.Decrypt(encBlob); err != nil {
		return nil, err
	}
	if encMeta.Valid {
		if c.MetadataJSON, err = d.cipher.DecryptString([]byte(encMeta.String)); err != nil {
			return nil, err
		}
	}
	if lastSuccessAt.Valid {
		c.LastSuccessAt = lastSuccessAt.Int64
	}
	return c, nil
}

// RecordConnectionAttempt increments the attempt counters for a cached peer
// connection, used by the reputation engine's reliability score.
func (d *DB) RecordConnectionAttempt(peerIDHash string, succeeded bool, at int64) error {
	if succeeded {
		_, err := d.db.Exec(
			`UPDATE cached_peer_connections SET total_attempts = total_attempts + 1,
			     successful_attempts = successful_attempts + 1, last_success_at = ?, last_seen = ?
			 WHERE peer_id_hash = ?`, at, at, peerIDHash,
		)
		if err != nil {
			return newError("record connection attempt", ErrIO, err)
		}
		return nil
	}
	_, err := d.db.Exec(
		`UPDATE cached_peer_connections SET total_attempts = total_attempts + 1, last_seen = ? WHERE peer_id_hash = ?`,
		at, peerIDHash,
	)
	if err != nil {
		return newError("record connection attempt", ErrIO, err)
	}
	return nil
}
