package store

import (
	"database/sql"
	"errors"
)

// CreateTransferSession persists a new in-flight transfer session.
func (d *DB) CreateTransferSession(s *TransferSession) error {
	_, err := d.db.Exec(
		`INSERT INTO transfer_sessions (id, backup_id, peer_id_hash, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.BackupID, s.PeerIDHash, s.Status, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return newError("create transfer session", ErrIO, err)
	}
	return nil
}

// GetTransferSession retrieves a session by ID.
func (d *DB) GetTransferSession(id string) (*TransferSession, error) {
	s := &TransferSession{}
	err := d.db.QueryRow(
		`SELECT id, backup_id, peer_id_hash, status, created_at, updated_at FROM transfer_sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.BackupID, &s.PeerIDHash, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError("get transfer session", ErrNotFound, err)
	}
	if err != nil {
		return nil, newError("get transfer session", ErrIO, err)
	}
	return s, nil
}

// UpdateTransferSessionStatus transitions a session's status and bumps
// updated_at.
func (d *DB) UpdateTransferSessionStatus(id string, status BackupStatus, updatedAt int64) error {
	res, err := d.db.Exec(
		`UPDATE transfer_sessions SET status = ?, updated_at = ? WHERE id = ?`, status, updatedAt, id,
	)
	if err != nil {
		return newError("update transfer session status", ErrIO, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newError("update transfer session status", ErrIO, err)
	}
	if n == 0 {
		return newError("update transfer session status", ErrNotFound, nil)
	}
	return nil
}

// ListActiveTransferSessions returns sessions not yet completed/failed/
// cancelled, for reconnect-and-resume on startup.
func (d *DB) ListActiveTransferSessions() ([]TransferSession, error) {
	rows, err := d.db.Query(
		`SELECT id, backup_id, peer_id_hash, status, created_at, updated_at
		 FROM transfer_sessions WHERE status IN (?, ?) ORDER BY updated_at`,
		BackupActive, BackupPaused,
	)
	if err != nil {
		return nil, newError("list active transfer sessions", ErrIO, err)
	}
	defer rows.Close()

	var sessions []TransferSession
	for rows.Next() {
		var s TransferSession
		if err := rows.Scan(&s.ID, &s.BackupID, &s.PeerIDHash, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, newError("scan transfer session", ErrIO, err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, newError("list active transfer sessions", ErrIO, err)
	}
	return sessions, nil
}
