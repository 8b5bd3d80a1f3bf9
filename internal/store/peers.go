package store

import (
	"database/sql"
	"errors"
)

// UpsertPeer inserts or updates a peer identity record. PublicKey,
// EncryptionPublicKey and MetadataJSON are encrypted at rest via the DB's
// field cipher before binding.
func (d *DB) UpsertPeer(p *Peer) error {
	encPub, err := d.cipher.Encrypt(p.PublicKey)
	if err != nil {
		return newError("upsert peer", ErrFieldDecrypt, err)
	}
	encEncPub, err := d.cipher.Encrypt(p.EncryptionPublicKey)
	if err != nil {
		return newError("upsert peer", ErrFieldDecrypt, err)
	}
	encMeta, err := d.cipher.EncryptString(p.MetadataJSON)
	if err != nil {
		return newError("upsert peer", ErrFieldDecrypt, err)
	}

	_, err = d.db.Exec(
		`INSERT INTO peers (peer_id_hash, public_key, encryption_public_key, metadata_json, trust_level, first_seen, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(peer_id_hash) DO UPDATE SET
		     public_key = excluded.public_key, encryption_public_key = excluded.encryption_public_key,
		     metadata_json = excluded.metadata_json, trust_level = excluded.trust_level,
		     last_seen = excluded.last_seen`,
		p.PeerIDHash, encPub, encEncPub, encMeta, p.TrustLevel, p.FirstSeen, p.LastSeen,
	)
	if err != nil {
		return newError("upsert peer", ErrIO, err)
	}
	return nil
}

// GetPeer retrieves and decrypts a peer record by its id hash.
func (d *DB) GetPeer(peerIDHash string) (*Peer, error) {
	p := &Peer{}
	var encPub, encEncPub []byte
	var encMeta sql.NullString
	err := d.db.QueryRow(
		`SELECT peer_id_hash, public_key, encryption_public_key, metadata_json, trust_level, first_seen, last_seen
		 FROM peers WHERE peer_id_hash = ?`, peerIDHash,
	).Scan(&p.PeerIDHash, &encPub, &encEncPub, &encMeta, &p.TrustLevel, &p.FirstSeen, &p.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError("get peer", ErrNotFound, err)
	}
	if err != nil {
		return nil, newError("get peer", ErrIO, err)
	}

	if p.PublicKey, err = d.cipher.Decrypt(encPub); err != nil {
		return nil, err
	}
	if p.EncryptionPublicKey, err = d.cipher.Decrypt(encEncPub); err != nil {
		return nil, err
	}
	if encMeta.Valid {
		if p.MetadataJSON, err = d.cipher.DecryptString([]byte(encMeta.String)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ListPeersByTrustLevel returns every peer at a given trust level. Pass an
// empty level to list all peers.
func (d *DB) ListPeersByTrustLevel(level string) ([]Peer, error) {
	query := `SELECT peer_id_hash, public_key, encryption_public_key, metadata_json, trust_level, first_seen, last_seen FROM peers`
	args := []any{}
	if level != "" {
		query += ` WHERE trust_level = ?`
		args = append(args, level)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, newError("list peers", ErrIO, err)
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		var p Peer
		var encPub, encEncPub []byte
		var encMeta sql.NullString
		if err := rows.Scan(&p.PeerIDHash, &encPub, &encEncPub, &encMeta, &p.TrustLevel, &p.FirstSeen, &p.LastSeen); err != nil {
			return nil, newError("scan peer", ErrIO, err)
		}
		if p.PublicKey, err = d.cipher.Decrypt(encPub); err != nil {
			return nil, err
		}
		if p.EncryptionPublicKey, err = d.cipher.Decrypt(encEncPub); err != nil {
			return nil, err
		}
		if encMeta.Valid {
			if p.MetadataJSON, err = d.cipher.DecryptString([]byte(encMeta.String)); err != nil {
				return nil, err
			}
		}
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, newError("list peers", ErrIO, err)
	}
	return peers, nil
}

// UpdatePeerTrustLevel updates the classified trust level for a peer.
func (d *DB) UpdatePeerTrustLevel(peerIDHash, level string) error {
	res, err := d.db.Exec(`UPDATE peers SET trust_level = ? WHERE peer_id_hash = ?`, level, peerIDHash)
	if err != nil {
		return newError("update peer trust level", ErrIO, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newError("update peer trust level", ErrIO, err)
	}
	if n == 0 {
		return newError("update peer trust level", ErrNotFound, nil)
	}
	return nil
}

// TouchPeer updates a peer's last-seen timestamp.
func (d *DB) TouchPeer(peerIDHash string, lastSeen int64) error {
	_, err := d.db.Exec(`UPDATE peers SET last_seen = ? WHERE peer_id_hash = ?`, lastSeen, peerIDHash)
	if err != nil {
		return newError("touch peer", ErrIO, err)
	}
	return nil
}
