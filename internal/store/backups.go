package store

import (
	"database/sql"
	"errors"

	"github.com/ssd-technologies/backup-peer/internal/allocation"
)

// CreateBackup inserts a new backup record.
func (d *DB) CreateBackup(b *Backup) error {
	_, err := d.db.Exec(
		`INSERT INTO backups (id, name, direction, counterparty_hash, created_at, status, file_count, total_bytes, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.Direction, b.CounterpartyHash, b.CreatedAt, b.Status, b.FileCount, b.TotalBytes, b.MetadataJSON,
	)
	if err != nil {
		return newError("create backup", ErrIO, err)
	}
	return nil
}

// GetBackup retrieves a backup by ID.
func (d *DB) GetBackup(id string) (*Backup, error) {
	b := &Backup{}
	err := d.db.QueryRow(
		`SELECT id, name, direction, counterparty_hash, created_at, status, file_count, total_bytes, metadata_json
		 FROM backups WHERE id = ?`, id,
	).Scan(&b.ID, &b.Name, &b.Direction, &b.CounterpartyHash, &b.CreatedAt, &b.Status, &b.FileCount, &b.TotalBytes, &b.MetadataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError("get backup", ErrNotFound, err)
	}
	if err != nil {
		return nil, newError("get backup", ErrIO, err)
	}
	return b, nil
}

// ListBackups returns all backups, optionally filtered by direction. Pass
// an empty direction to list all.
func (d *DB) ListBackups(direction Direction) ([]Backup, error) {
	query := `SELECT id, name, direction, counterparty_hash, created_at, status, file_count, total_bytes, metadata_json FROM backups`
	args := []any{}
	if direction != "" {
		query += ` WHERE direction = ?`
		args = append(args, direction)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, newError("list backups", ErrIO, err)
	}
	defer rows.Close()

	var backups []Backup
	for rows.Next() {
		var b Backup
		if err := rows.Scan(&b.ID, &b.Name, &b.Direction, &b.CounterpartyHash, &b.CreatedAt, &b.Status, &b.FileCount, &b.TotalBytes, &b.MetadataJSON); err != nil {
			return nil, newError("scan backup", ErrIO, err)
		}
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, newError("list backups", ErrIO, err)
	}
	return backups, nil
}

// UpdateBackupStatus transitions a backup's lifecycle status.
func (d *DB) UpdateBackupStatus(id string, status BackupStatus) error {
	res, err := d.db.Exec(`UPDATE backups SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return newError("update backup status", ErrIO, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newError("update backup status", ErrIO, err)
	}
	if n == 0 {
		return newError("update backup status", ErrNotFound, nil)
	}
	return nil
}

// DeleteBackup removes a backup and its dependent rows. If ledger is
// non-nil, the backup's bytes are released back to the allocation ledger
// on the side its direction consumed: a received backup held storage we
// offered to its counterparty, a sent backup consumed storage the
// counterparty offered us.
func (d *DB) DeleteBackup(id string, ledger *allocation.Ledger) error {
	b, err := d.GetBackup(id)
	if err != nil {
		return err
	}

	tx, err := d.db.Begin()
	if err != nil {
		return newError("delete backup", ErrIO, err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM transfer_chunk_states WHERE backup_id = ?`,
		`DELETE FROM backup_files WHERE backup_id = ?`,
		`DELETE FROM transfer_sessions WHERE backup_id = ?`,
		`DELETE FROM verification_challenges WHERE backup_id = ?`,
		`DELETE FROM sync_schedules WHERE backup_id = ?`,
		`DELETE FROM backups WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, id); err != nil {
			return newError("delete backup", ErrIO, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return newError("delete backup", ErrIO, err)
	}

	if ledger != nil && b.CounterpartyHash != "" && b.TotalBytes > 0 {
		side := "offered"
		if b.Direction == DirectionSent {
			side = "consumed"
		}
		_ = ledger.Release(b.CounterpartyHash, side, b.TotalBytes)
	}
	return nil
}
