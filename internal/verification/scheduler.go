package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ssd-technologies/backup-peer/internal/applog"
	"github.com/ssd-technologies/backup-peer/internal/reputation"
	"github.com/ssd-technologies/backup-peer/internal/store"
)

// pendingChallenge pairs an issued challenge with the peer it was sent to,
// so a late or absent response can still be accounted to the right peer.
type pendingChallenge struct {
	challenge  Challenge
	peerIDHash string
}

// challengeCadence is how often a sent, active backup is re-challenged.
const challengeCadence = 24 * time.Hour

// interChallengeSpacing is the minimum gap between two challenges issued
// back to back by one scheduler tick, so a burst of due backups does not
// saturate a peer's channel all at once.
const interChallengeSpacing = time.Second

// ChallengeSender delivers one outbound storage_challenge to the peer
// custodying a backup; wired by the dispatcher to the live session.
type ChallengeSender interface {
	SendChallenge(peerIDHash string, c Challenge) error
}

// IDGenerator produces unique challenge IDs; wired to a real generator
// (e.g. a UUID source) by the caller.
type IDGenerator func() string

// Scheduler issues one random-blocks challenge per sent, active backup at
// challengeCadence, persists it, and records the round once a response
// arrives or the challenge window lapses. Grounded on the
// for-select-ctx.Done-time.After background-worker idiom already used by
// the rate limiter's garbage collector.
type Scheduler struct {
	db       *store.DB
	sender   ChallengeSender
	provider BackupMetadataProvider
	history  *History
	rep      *reputation.Engine
	logger   applog.Logger
	idGen    IDGenerator

	mu      sync.Mutex
	pending map[string]pendingChallenge // challenge ID -> issued challenge, awaiting response
}

// NewScheduler wires a Scheduler. provider answers chunk/file metadata for
// the backups this node is challenging (its own sent-backup records).
func NewScheduler(db *store.DB, sender ChallengeSender, provider BackupMetadataProvider, history *History, rep *reputation.Engine, logger applog.Logger, idGen IDGenerator) *Scheduler {
	return &Scheduler{
		db: db, sender: sender, provider: provider, history: history,
		rep: rep, logger: logger, idGen: idGen,
		pending: make(map[string]pendingChallenge),
	}
}

// EnsureScheduled registers a sync schedule for a newly-active sent backup
// if one does not already exist, due immediately.
func (s *Scheduler) EnsureScheduled(backupID, peerIDHash string, now time.Time) error {
	if _, err := s.db.GetSyncSchedule(backupID); err == nil {
		return nil
	}
	return s.db.UpsertSyncSchedule(&store.SyncSchedule{
		BackupID: backupID, PeerIDHash: peerIDHash,
		NextSyncTime: now.Unix(), CadenceMs: challengeCadence.Milliseconds(),
	})
}

// Run ticks once an hour, issuing challenges for whatever schedules are
// due, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	const tick = time.Hour
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
			s.runDue(ctx, time.Now())
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	due, err := s.db.DueSchedules(now.Unix())
	if err != nil {
		s.logger.Warnf("verification: list due schedules: %v", err)
		return
	}
	for i, sched := range due {
		backup, err := s.db.GetBackup(sched.BackupID)
		if err != nil || backup.Direction != store.DirectionSent || backup.Status != store.BackupActive {
			continue
		}

		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interChallengeSpacing):
			}
		}

		if err := s.issueRandomBlocks(sched, now); err != nil {
			s.logger.Warnf("verification: issue challenge for backup %s: %v", sched.BackupID, err)
			continue
		}

		cadence := time.Duration(sched.CadenceMs) * time.Millisecond
		if cadence <= 0 {
			cadence = challengeCadence
		}
		if err := s.db.AdvanceSchedule(sched.BackupID, now.Add(cadence).Unix()); err != nil {
			s.logger.Warnf("verification: advance schedule for backup %s: %v", sched.BackupID, err)
		}
	}
}

func (s *Scheduler) issueRandomBlocks(sched store.SyncSchedule, now time.Time) error {
	count, err := s.provider.ChunkCount(sched.BackupID)
	if err != nil {
		return err
	}
	sampleSize := count
	if sampleSize > 1000 {
		sampleSize = 1000
	}
	if sampleSize == 0 {
		return fmt.Errorf("backup %s has no chunks recorded to challenge", sched.BackupID)
	}

	id := s.idGen()
	c, err := NewRandomBlocksChallenge(id, sched.BackupID, sampleSize, now)
	if err != nil {
		return err
	}

	if err := s.db.CreateChallenge(&store.VerificationChallenge{
		ID: c.ID, BackupID: c.BackupID, PeerIDHash: sched.PeerIDHash, Kind: c.Kind,
		ChallengeData: c.Params, Status: store.ChallengeIssued,
		IssuedAt: c.IssuedAt, ExpiresAt: c.ExpiresAt,
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.pending[c.ID] = pendingChallenge{challenge: c, peerIDHash: sched.PeerIDHash}
	s.mu.Unlock()
	return s.sender.SendChallenge(sched.PeerIDHash, c)
}

// HandleProof processes an inbound storage_proof for a challenge this node
// issued, verifies it against local metadata, records the outcome in the
// rolling history, accounts it to reputation, and persists the response.
func (s *Scheduler) HandleProof(peerIDHash string, p Proof, now time.Time) error {
	s.mu.Lock()
	pc, ok := s.pending[p.ChallengeID]
	if ok {
		delete(s.pending, p.ChallengeID)
	}
	s.mu.Unlock()
	if !ok {
		return newError(ErrUnknownChallenge, fmt.Errorf("no outstanding challenge %s", p.ChallengeID))
	}
	c := pc.challenge

	verifyErr := VerifyProof(s.provider, c, p)
	succeeded := verifyErr == nil
	responseMs := (now.Unix() - c.IssuedAt) * 1000

	status := store.ChallengeSucceeded
	if !succeeded {
		status = store.ChallengeFailed
	}
	respData, _ := json.Marshal(p)
	_ = s.db.RecordChallengeResponse(c.ID, respData, status, responseMs)

	s.history.Record(peerIDHash, Record{
		ChallengeID: c.ID, BackupID: c.BackupID, Kind: c.Kind,
		Succeeded: succeeded, ResponseMs: responseMs, IssuedAt: c.IssuedAt,
	})
	s.rep.RecordVerification(reputation.VerificationEvent{
		PeerIDHash: peerIDHash, Success: succeeded, ResponseTimeMs: responseMs,
	})

	return verifyErr
}

// ExpireOverdue marks challenges past their window as timed out and
// accounts the timeout as a verification failure, mirroring a proof that
// never arrived.
func (s *Scheduler) ExpireOverdue(now time.Time) {
	n, err := s.db.ExpireOverdueChallenges(now.Unix())
	if err != nil || n == 0 {
		return
	}
	s.mu.Lock()
	var expired []pendingChallenge
	for id, pc := range s.pending {
		if pc.challenge.Expired(now) {
			expired = append(expired, pc)
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	for _, pc := range expired {
		c := pc.challenge
		s.history.Record(pc.peerIDHash, Record{
			ChallengeID: c.ID, BackupID: c.BackupID, Kind: c.Kind,
			Succeeded: false, ResponseMs: challengeWindow.Milliseconds(), IssuedAt: c.IssuedAt,
		})
		s.rep.RecordVerification(reputation.VerificationEvent{
			PeerIDHash: pc.peerIDHash, Success: false, ResponseTimeMs: challengeWindow.Milliseconds(),
		})
	}
}
