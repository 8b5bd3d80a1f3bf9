package store

import (
	"database/sql"
	"errors"
)

// CreateStorageCommitment persists a signed declaration of storage offered
// by a peer. Signature is encrypted at rest.
func (d *DB) CreateStorageCommitment(c *StorageCommitment) error {
	encSig, err := d.cipher.Encrypt(c.Signature)
	if err != nil {
		return newError("create storage commitment", ErrFieldDecrypt, err)
	}
	_, err = d.db.Exec(
		`INSERT INTO storage_commitments (peer_id_hash, encryption_public_key, bytes_offered, availability_terms, retention_period_ms, created_at, expires_at, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.PeerIDHash, c.EncryptionPublicKey, c.BytesOffered, c.AvailabilityTerms, c.RetentionPeriodMs, c.CreatedAt, c.ExpiresAt, encSig,
	)
	if err != nil {
		return newError("create storage commitment", ErrIO, err)
	}
	return nil
}

// LatestStorageCommitment returns the most recent, unexpired commitment for
// a peer.
func (d *DB) LatestStorageCommitment(peerIDHash string, now int64) (*StorageCommitment, error) {
	c := &StorageCommitment{}
	var encSig []byte
	err := d.db.QueryRow(
		`SELECT peer_id_hash, encryption_public_key, bytes_offered, availability_terms, retention_period_ms, created_at, expires_at, signature
		 FROM storage_commitments WHERE peer_id_hash = ? AND expires_at > ?
		 ORDER BY created_at DESC LIMIT 1`, peerIDHash, now,
	).Scan(&c.PeerIDHash, &c.EncryptionPublicKey, &c.BytesOffered, &c.AvailabilityTerms, &c.RetentionPeriodMs, &c.CreatedAt, &c.ExpiresAt, &encSig)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError("latest storage commitment", ErrNotFound, err)
	}
	if err != nil {
		return nil, newError("latest storage commitment", ErrIO, err)
	}
	if c.Signature, err = d.cipher.Decrypt(encSig); err != nil {
		return nil, err
	}
	return c, nil
}

// PurgeExpiredCommitments deletes commitments whose expiry has passed,
// returning the count removed.
func (d *DB) PurgeExpiredCommitments(now int64) (int64, error) {
	res, err := d.db.Exec(`DELETE FROM storage_commitments WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, newError("purge expired commitments", ErrIO, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newError("purge expired commitments", ErrIO, err)
	}
	return n, nil
}
