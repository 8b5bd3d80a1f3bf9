package store

// UpsertBackupFile inserts or replaces a file record within a backup.
func (d *DB) UpsertBackupFile(f *BackupFile) error {
	_, err := d.db.Exec(
		`INSERT INTO backup_files (backup_id, relative_path, size, sha256, chunk_count, transfer_status)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(backup_id, relative_path) DO UPDATE SET
		     size = excluded.size, sha256 = excluded.sha256,
		     chunk_count = excluded.chunk_count, transfer_status = excluded.transfer_status`,
		f.BackupID, f.RelativePath, f.Size, f.SHA256, f.ChunkCount, f.TransferStatus,
	)
	if err != nil {
		return newError("upsert backup file", ErrIO, err)
	}
	return nil
}

// ListBackupFiles returns every file belonging to a backup.
func (d *DB) ListBackupFiles(backupID string) ([]BackupFile, error) {
	rows, err := d.db.Query(
		`SELECT backup_id, relative_path, size, sha256, chunk_count, transfer_status
		 FROM backup_files WHERE backup_id = ? ORDER BY relative_path`, backupID,
	)
	if err != nil {
		return nil, newError("list backup files", ErrIO, err)
	}
	defer rows.Close()

	var files []BackupFile
	for rows.Next() {
		var f BackupFile
		if err := rows.Scan(&f.BackupID, &f.RelativePath, &f.Size, &f.SHA256, &f.ChunkCount, &f.TransferStatus); err != nil {
			return nil, newError("scan backup file", ErrIO, err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, newError("list backup files", ErrIO, err)
	}
	return files, nil
}

// UpdateBackupFileStatus transitions a single file's transfer status.
func (d *DB) UpdateBackupFileStatus(backupID, relativePath string, status TransferStatus) error {
	res, err := d.db.Exec(
		`UPDATE backup_files SET transfer_status = ? WHERE backup_id = ? AND relative_path = ?`,
		status, backupID, relativePath,
	)
	if err != nil {
		return newError("update backup file status", ErrIO, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newError("update backup file status", ErrIO, err)
	}
	if n == 0 {
		return newError("update backup file status", ErrNotFound, nil)
	}
	return nil
}
