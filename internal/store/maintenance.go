package store

import "time"

// Retention windows per spec §4.2.
const (
	ChallengeRetention    = 365 * 24 * time.Hour
	CompletedSessionAge   = 24 * time.Hour
	CachedPeerRetention   = 30 * 24 * time.Hour
	ChunkStateRetention   = 7 * 24 * time.Hour
)

// PurgeResult tallies the rows removed or transitioned by one maintenance
// sweep, for logging.
type PurgeResult struct {
	ExpiredCommitments int64
	TimedOutChallenges int64
	OldChallenges      int64
	StaleSessions      int64
	StaleCachedPeers    int64
	StaleChunkStates    int64
}

// Purge runs the periodic retention sweep: expired storage commitments are
// deleted, overdue challenges are marked timed-out, challenges older than a
// year are dropped, completed transfer sessions past CompletedSessionAge are
// dropped, cached peer records older than CachedPeerRetention are dropped,
// and completed/verified chunk states older than ChunkStateRetention are
// dropped. now is a unix-second timestamp, the unit every stored
// timestamp uses.
func (d *DB) Purge(now int64) (*PurgeResult, error) {
	result := &PurgeResult{}

	expired, err := d.PurgeExpiredCommitments(now)
	if err != nil {
		return nil, err
	}
	result.ExpiredCommitments = expired

	timedOut, err := d.ExpireOverdueChallenges(now)
	if err != nil {
		return nil, err
	}
	result.TimedOutChallenges = timedOut

	oldChallenges, err := d.purgeOlderThan("verification_challenges", "issued_at", now-int64(ChallengeRetention.Seconds()))
	if err != nil {
		return nil, err
	}
	result.OldChallenges = oldChallenges

	staleSessions, err := d.purgeTransferSessions(now - int64(CompletedSessionAge.Seconds()))
	if err != nil {
		return nil, err
	}
	result.StaleSessions = staleSessions

	staleCachedPeers, err := d.purgeOlderThan("cached_peer_connections", "last_seen", now-int64(CachedPeerRetention.Seconds()))
	if err != nil {
		return nil, err
	}
	result.StaleCachedPeers = staleCachedPeers

	staleChunks, err := d.purgeStaleChunkStates(now - int64(ChunkStateRetention.Seconds()))
	if err != nil {
		return nil, err
	}
	result.StaleChunkStates = staleChunks

	return result, nil
}

func (d *DB) purgeOlderThan(table, timestampColumn string, cutoff int64) (int64, error) {
	res, err := d.db.Exec(`DELETE FROM `+table+` WHERE `+timestampColumn+` <= ?`, cutoff)
	if err != nil {
		return 0, newError("purge "+table, ErrIO, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newError("purge "+table, ErrIO, err)
	}
	return n, nil
}

func (d *DB) purgeTransferSessions(cutoff int64) (int64, error) {
	res, err := d.db.Exec(
		`DELETE FROM transfer_sessions WHERE status IN (?, ?, ?) AND updated_at <= ?`,
		BackupCompleted, BackupFailed, BackupCancelled, cutoff,
	)
	if err != nil {
		return 0, newError("purge transfer sessions", ErrIO, err)
	}
	return res.RowsAffected()
}

func (d *DB) purgeStaleChunkStates(cutoff int64) (int64, error) {
	res, err := d.db.Exec(
		`DELETE FROM transfer_chunk_states WHERE state IN (?, ?) AND last_attempt <= ?`,
		StatusCompleted, StatusVerified, cutoff,
	)
	if err != nil {
		return 0, newError("purge chunk states", ErrIO, err)
	}
	return res.RowsAffected()
}
