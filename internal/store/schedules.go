package store

import (
	"database/sql"
	"errors"
)

// UpsertSyncSchedule records or updates when a backup is next due for a
// verification challenge.
func (d *DB) UpsertSyncSchedule(s *SyncSchedule) error {
	_, err := d.db.Exec(
		`INSERT INTO sync_schedules (backup_id, peer_id_hash, next_sync_time, cadence_ms)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(backup_id) DO UPDATE SET
		     next_sync_time = excluded.next_sync_time, cadence_ms = excluded.cadence_ms`,
		s.BackupID, s.PeerIDHash, s.NextSyncTime, s.CadenceMs,
	)
	if err != nil {
		return newError("upsert sync schedule", ErrIO, err)
	}
	return nil
}

// DueSchedules returns every schedule whose next sync time has passed.
func (d *DB) DueSchedules(now int64) ([]SyncSchedule, error) {
	rows, err := d.db.Query(
		`SELECT backup_id, peer_id_hash, next_sync_time, cadence_ms FROM sync_schedules
		 WHERE next_sync_time <= ? ORDER BY next_sync_time`, now,
	)
	if err != nil {
		return nil, newError("due schedules", ErrIO, err)
	}
	defer rows.Close()

	var schedules []SyncSchedule
	for rows.Next() {
		var s SyncSchedule
		if err := rows.Scan(&s.BackupID, &s.PeerIDHash, &s.NextSyncTime, &s.CadenceMs); err != nil {
			return nil, newError("scan sync schedule", ErrIO, err)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, newError("due schedules", ErrIO, err)
	}
	return schedules, nil
}

// AdvanceSchedule sets a schedule's next sync time to nextSyncTime after a
// challenge round completes; the caller computes it from the cadence.
func (d *DB) AdvanceSchedule(backupID string, nextSyncTime int64) error {
	res, err := d.db.Exec(`UPDATE sync_schedules SET next_sync_time = ? WHERE backup_id = ?`, nextSyncTime, backupID)
	if err != nil {
		return newError("advance schedule", ErrIO, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newError("advance schedule", ErrIO, err)
	}
	if n == 0 {
		return newError("advance schedule", ErrNotFound, nil)
	}
	return nil
}

// GetSyncSchedule retrieves a single backup's schedule.
func (d *DB) GetSyncSchedule(backupID string) (*SyncSchedule, error) {
	s := &SyncSchedule{}
	err := d.db.QueryRow(
		`SELECT backup_id, peer_id_hash, next_sync_time, cadence_ms FROM sync_schedules WHERE backup_id = ?`, backupID,
	).Scan(&s.BackupID, &s.PeerIDHash, &s.NextSyncTime, &s.CadenceMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError("get sync schedule", ErrNotFound, err)
	}
	if err != nil {
		return nil, newError("get sync schedule", ErrIO, err)
	}
	return s, nil
}
