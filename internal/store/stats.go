package store

// Stats aggregates backup counts and bytes by direction and peer counts by
// trust level, the surface the reputation engine and any outer collaborator
// use to render a status summary.
func (d *DB) Stats() (*StoreStats, error) {
	stats := &StoreStats{
		BackupsByDirection: make(map[Direction]int),
		BytesByDirection:   make(map[Direction]int64),
		PeersByTrustLevel:  make(map[string]int),
	}

	rows, err := d.db.Query(`SELECT direction, COUNT(*), COALESCE(SUM(total_bytes), 0) FROM backups GROUP BY direction`)
	if err != nil {
		return nil, newError("stats", ErrIO, err)
	}
	for rows.Next() {
		var dir Direction
		var count int
		var bytes int64
		if err := rows.Scan(&dir, &count, &bytes); err != nil {
			rows.Close()
			return nil, newError("stats", ErrIO, err)
		}
		stats.BackupsByDirection[dir] = count
		stats.BytesByDirection[dir] = bytes
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, newError("stats", ErrIO, err)
	}
	rows.Close()

	rows, err = d.db.Query(`SELECT trust_level, COUNT(*) FROM peers GROUP BY trust_level`)
	if err != nil {
		return nil, newError("stats", ErrIO, err)
	}
	defer rows.Close()
	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, newError("stats", ErrIO, err)
		}
		stats.PeersByTrustLevel[level] = count
	}
	if err := rows.Err(); err != nil {
		return nil, newError("stats", ErrIO, err)
	}
	return stats, nil
}
