package store

import (
	"database/sql"
	"errors"
)

// CreateChallenge persists a newly issued verification challenge.
// ChallengeData is encrypted at rest.
func (d *DB) CreateChallenge(c *VerificationChallenge) error {
	encData, err := d.cipher.Encrypt(c.ChallengeData)
	if err != nil {
		return newError("create challenge", ErrFieldDecrypt, err)
	}
	_, err = d.db.Exec(
		`INSERT INTO verification_challenges (id, backup_id, peer_id_hash, kind, challenge_data, response_data, status, issued_at, expires_at, response_time_ms)
		 VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, 0)`,
		c.ID, c.BackupID, c.PeerIDHash, c.Kind, encData, c.Status, c.IssuedAt, c.ExpiresAt,
	)
	if err != nil {
		return newError("create challenge", ErrIO, err)
	}
	return nil
}

// RecordChallengeResponse stores the peer's proof and final status.
// ResponseData is encrypted at rest.
func (d *DB) RecordChallengeResponse(id string, responseData []byte, status ChallengeStatus, responseTimeMs int64) error {
	encResp, err := d.cipher.Encrypt(responseData)
	if err != nil {
		return newError("record challenge response", ErrFieldDecrypt, err)
	}
	res, err := d.db.Exec(
		`UPDATE verification_challenges SET response_data = ?, status = ?, response_time_ms = ? WHERE id = ?`,
		encResp, status, responseTimeMs, id,
	)
	if err != nil {
		return newError("record challenge response", ErrIO, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newError("record challenge response", ErrIO, err)
	}
	if n == 0 {
		return newError("record challenge response", ErrNotFound, nil)
	}
	return nil
}

// GetChallenge retrieves and decrypts a challenge by ID.
func (d *DB) GetChallenge(id string) (*VerificationChallenge, error) {
	c := &VerificationChallenge{}
	var encData, encResp []byte
	err := d.db.QueryRow(
		`SELECT id, backup_id, peer_id_hash, kind, challenge_data, response_data, status, issued_at, expires_at, response_time_ms
		 FROM verification_challenges WHERE id = ?`, id,
	).Scan(&c.ID, &c.BackupID, &c.PeerIDHash, &c.Kind, &encData, &encResp, &c.Status, &c.IssuedAt, &c.ExpiresAt, &c.ResponseTimeMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError("get challenge", ErrNotFound, err)
	}
	if err != nil {
		return nil, newError("get challenge", ErrIO, err)
	}
	if c.ChallengeData, err = d.cipher.Decrypt(encData); err != nil {
		return nil, err
	}
	if c.ResponseData, err = d.cipher.Decrypt(encResp); err != nil {
		return nil, err
	}
	return c, nil
}

// ListChallengesForPeer returns every challenge ever issued to a peer,
// newest first, for reputation accounting.
func (d *DB) ListChallengesForPeer(peerIDHash string) ([]VerificationChallenge, error) {
	rows, err := d.db.Query(
		`SELECT id, backup_id, peer_id_hash, kind, challenge_data, response_data, status, issued_at, expires_at, response_time_ms
		 FROM verification_challenges WHERE peer_id_hash = ? ORDER BY issued_at DESC`, peerIDHash,
	)
	if err != nil {
		return nil, newError("list challenges for peer", ErrIO, err)
	}
	defer rows.Close()

	var challenges []VerificationChallenge
	for rows.Next() {
		var c VerificationChallenge
		var encData, encResp []byte
		if err := rows.Scan(&c.ID, &c.BackupID, &c.PeerIDHash, &c.Kind, &encData, &encResp, &c.Status, &c.IssuedAt, &c.ExpiresAt, &c.ResponseTimeMs); err != nil {
			return nil, newError("scan challenge", ErrIO, err)
		}
		if c.ChallengeData, err = d.cipher.Decrypt(encData); err != nil {
			return nil, err
		}
		if c.ResponseData, err = d.cipher.Decrypt(encResp); err != nil {
			return nil, err
		}
		challenges = append(challenges, c)
	}
	if err := rows.Err(); err != nil {
		return nil, newError("list challenges for peer", ErrIO, err)
	}
	return challenges, nil
}

// ExpireOverdueChallenges marks issued challenges past their deadline as
// timed out, returning the count affected.
func (d *DB) ExpireOverdueChallenges(now int64) (int64, error) {
	res, err := d.db.Exec(
		`UPDATE verification_challenges SET status = ? WHERE status = ? AND expires_at <= ?`,
		ChallengeTimedOut, ChallengeIssued, now,
	)
	if err != nil {
		return 0, newError("expire overdue challenges", ErrIO, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newError("expire overdue challenges", ErrIO, err)
	}
	return n, nil
}
