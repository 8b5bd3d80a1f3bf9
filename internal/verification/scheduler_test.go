package verification

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ssd-technologies/backup-peer/internal/reputation"
	"github.com/ssd-technologies/backup-peer/internal/store"

	"github.com/ssd-technologies/backup-peer/internal/applog"
)

type capturingChallengeSender struct {
	sent []Challenge
	to   []string
}

func (c *capturingChallengeSender) SendChallenge(peerIDHash string, ch Challenge) error {
	c.sent = append(c.sent, ch)
	c.to = append(c.to, peerIDHash)
	return nil
}

func newSchedulerTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "store.db"), "seed")
	if err != nil {
		t.Fatalf("new db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedActiveSentBackup(t *testing.T, db *store.DB, backupID string, chunkCount int) {
	t.Helper()
	if err := db.CreateBackup(&store.Backup{
		ID: backupID, Direction: store.DirectionSent, Status: store.BackupActive, CreatedAt: time.Now().Unix(),
	}); err != nil {
		t.Fatalf("create backup: %v", err)
	}
	for i := 0; i < chunkCount; i++ {
		if err := db.UpsertChunkState(&store.ChunkState{
			BackupID: backupID, ChunkIndex: i, ChunkHash: "hash", ChunkSize: 64, State: store.StatusVerified,
		}); err != nil {
			t.Fatalf("seed chunk state %d: %v", i, err)
		}
	}
}

// seedPeer inserts the peers row that sync schedules and challenges
// reference by foreign key.
func seedPeer(t *testing.T, db *store.DB, peerIDHash string) {
	t.Helper()
	if err := db.UpsertPeer(&store.Peer{PeerIDHash: peerIDHash, PublicKey: []byte{1}, EncryptionPublicKey: []byte{2}, TrustLevel: "new", FirstSeen: 1, LastSeen: 1}); err != nil {
		t.Fatalf("seed peer %s: %v", peerIDHash, err)
	}
}

func TestScheduler_IssuesChallengeForDueActiveSentBackup(t *testing.T) {
	db := newSchedulerTestDB(t)
	seedActiveSentBackup(t, db, "b1", 3)
	seedPeer(t, db, "peer1")

	sender := &capturingChallengeSender{}
	provider := NewStoreProvider(db)
	history := NewHistory()
	rep := reputation.NewEngine(func(map[string]reputation.Score) error { return nil })

	idCounter := 0
	sched := NewScheduler(db, sender, provider, history, rep, applog.NoOp(), func() string {
		idCounter++
		return "challenge-" + string(rune('a'+idCounter))
	})

	now := time.Unix(1_700_000_000, 0)
	if err := sched.EnsureScheduled("b1", "peer1", now); err != nil {
		t.Fatalf("ensure scheduled: %v", err)
	}

	sched.runDue(context.Background(), now)

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one challenge issued, got %d", len(sender.sent))
	}
	if sender.to[0] != "peer1" {
		t.Fatalf("expected challenge sent to peer1, got %s", sender.to[0])
	}
	if sender.sent[0].Kind != KindRandomBlocks {
		t.Fatalf("expected random-blocks challenge, got %s", sender.sent[0].Kind)
	}

	schedRow, err := db.GetSyncSchedule("b1")
	if err != nil {
		t.Fatalf("get sync schedule: %v", err)
	}
	if schedRow.NextSyncTime <= now.Unix() {
		t.Fatalf("expected schedule advanced into the future, got %d", schedRow.NextSyncTime)
	}
}

func TestScheduler_SkipsInactiveOrReceivedBackups(t *testing.T) {
	db := newSchedulerTestDB(t)
	if err := db.CreateBackup(&store.Backup{ID: "paused1", Direction: store.DirectionSent, Status: store.BackupPaused, CreatedAt: time.Now().Unix()}); err != nil {
		t.Fatalf("create backup: %v", err)
	}
	if err := db.CreateBackup(&store.Backup{ID: "recv1", Direction: store.DirectionReceived, Status: store.BackupActive, CreatedAt: time.Now().Unix()}); err != nil {
		t.Fatalf("create backup: %v", err)
	}
	seedPeer(t, db, "peer1")
	seedPeer(t, db, "peer2")

	sender := &capturingChallengeSender{}
	provider := NewStoreProvider(db)
	history := NewHistory()
	rep := reputation.NewEngine(func(map[string]reputation.Score) error { return nil })
	sched := NewScheduler(db, sender, provider, history, rep, applog.NoOp(), func() string { return "id" })

	now := time.Unix(1_700_000_000, 0)
	_ = sched.EnsureScheduled("paused1", "peer1", now)
	_ = sched.EnsureScheduled("recv1", "peer2", now)

	sched.runDue(context.Background(), now)

	if len(sender.sent) != 0 {
		t.Fatalf("expected no challenges issued for paused/received backups, got %d", len(sender.sent))
	}
}

func TestScheduler_HandleProofRecordsSuccessAndReputation(t *testing.T) {
	db := newSchedulerTestDB(t)
	seedActiveSentBackup(t, db, "b2", 2)
	seedPeer(t, db, "peer1")

	sender := &capturingChallengeSender{}
	provider := NewStoreProvider(db)
	history := NewHistory()
	rep := reputation.NewEngine(func(map[string]reputation.Score) error { return nil })
	sched := NewScheduler(db, sender, provider, history, rep, applog.NoOp(), func() string { return "cid1" })

	now := time.Unix(1_700_000_000, 0)
	_ = sched.EnsureScheduled("b2", "peer1", now)
	sched.runDue(context.Background(), now)

	issued := sender.sent[0]
	proof := RespondToChallenge(provider, issued, now.Add(time.Second))

	if err := sched.HandleProof("peer1", proof, now.Add(2*time.Second)); err != nil {
		t.Fatalf("expected proof to verify: %v", err)
	}

	recent := history.Recent("peer1")
	if len(recent) != 1 || !recent[0].Succeeded {
		t.Fatalf("expected one successful history entry, got %+v", recent)
	}

	score := rep.Score("peer1")
	if score.VerificationScore <= 0 {
		t.Fatalf("expected positive verification score after success, got %+v", score)
	}
}

func TestScheduler_HandleProofRejectsUnknownChallengeID(t *testing.T) {
	db := newSchedulerTestDB(t)
	sender := &capturingChallengeSender{}
	provider := NewStoreProvider(db)
	history := NewHistory()
	rep := reputation.NewEngine(func(map[string]reputation.Score) error { return nil })
	sched := NewScheduler(db, sender, provider, history, rep, applog.NoOp(), func() string { return "id" })

	err := sched.HandleProof("peer1", Proof{ChallengeID: "does-not-exist"}, time.Now())
	if err == nil {
		t.Fatalf("expected error for unknown challenge id")
	}
	verr, ok := err.(*Error)
	if !ok || verr.Kind != ErrUnknownChallenge {
		t.Fatalf("expected ErrUnknownChallenge, got %v", err)
	}
}
