package transfer

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ssd-technologies/backup-peer/internal/allocation"
	"github.com/ssd-technologies/backup-peer/internal/store"
)

type senderFunc func(Envelope) error

func (f senderFunc) Send(env Envelope) error { return f(env) }

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "store.db"), "seed")
	if err != nil {
		t.Fatalf("new db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// loopback wires an Outbound directly to an Inbound in the same process,
// mirroring what the dispatcher would do across a real channel.
func loopback(t *testing.T, db *store.DB) (outbound *Outbound, secret [32]byte, destDir, quarantineDir string) {
	t.Helper()
	o, secret, destDir, quarantineDir, _ := loopbackWithLedger(t, db, nil)
	return o, secret, destDir, quarantineDir
}

// loopbackWithLedger is loopback but also wires ledger into the Outbound,
// defaulting to a fresh one when nil.
func loopbackWithLedger(t *testing.T, db *store.DB, ledger *allocation.Ledger) (outbound *Outbound, secret [32]byte, destDir, quarantineDir string, usedLedger *allocation.Ledger) {
	t.Helper()
	if ledger == nil {
		ledger = allocation.NewLedger(1 << 40)
	}
	router := NewRouter()

	if _, err := rand.Read(secret[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}

	destDir = t.TempDir()
	quarantineDir = t.TempDir()

	inboundSender := senderFunc(func(env Envelope) error {
		router.Deliver(env)
		return nil
	})
	inbound := NewInbound(db, inboundSender, secret, quarantineDir, func(backupID string) string {
		return destDir
	})

	outboundSender := senderFunc(func(env Envelope) error {
		switch env.Type {
		case KindFileStart:
			var p FileStartPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return err
			}
			return inbound.HandleFileStart(p)
		case KindFileChunk:
			var p FileChunkPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return err
			}
			return inbound.HandleFileChunk(p)
		case KindFileComplete:
			var p FileCompletePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return err
			}
			return inbound.HandleFileComplete(p)
		}
		return nil
	})

	outbound = NewOutbound(db, outboundSender, router, secret, ledger)
	return outbound, secret, destDir, quarantineDir, ledger
}

func TestOutbound_SendFile_SingleChunkExact(t *testing.T) {
	db := newTestDB(t)
	outbound, _, destDir, _ := loopback(t, db)

	dir := t.TempDir()
	src := filepath.Join(dir, "photo.jpg")
	if err := os.WriteFile(src, []byte("hello world"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if err := db.CreateBackup(&store.Backup{ID: "b1", Direction: store.DirectionSent, CreatedAt: time.Now().Unix(), Status: store.BackupActive}); err != nil {
		t.Fatalf("create backup: %v", err)
	}
	if err := db.UpsertBackupFile(&store.BackupFile{BackupID: "b1", RelativePath: "photo.jpg", Size: 11, TransferStatus: store.StatusPending}); err != nil {
		t.Fatalf("upsert backup file: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := outbound.SendFile(ctx, "b1", "photo.jpg", src); err != nil {
		t.Fatalf("send file: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "photo.jpg"))
	if err != nil {
		t.Fatalf("read destination file: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("expected received content to match, got %q", got)
	}

	files, err := db.ListBackupFiles("b1")
	if err != nil {
		t.Fatalf("list backup files: %v", err)
	}
	if len(files) != 1 || files[0].TransferStatus != store.StatusCompleted {
		t.Fatalf("expected sender file status completed, got %+v", files)
	}
}

func TestOutbound_SendFile_MultiChunkWithSmallerLastChunk(t *testing.T) {
	db := newTestDB(t)
	outbound, _, destDir, _ := loopback(t, db)
	outbound.chunkSize = 4

	dir := t.TempDir()
	src := filepath.Join(dir, "data.bin")
	content := []byte("0123456789") // 10 bytes -> chunks of 4,4,2
	if err := os.WriteFile(src, content, 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if err := db.CreateBackup(&store.Backup{ID: "b2", Direction: store.DirectionSent, CreatedAt: time.Now().Unix(), Status: store.BackupActive}); err != nil {
		t.Fatalf("create backup: %v", err)
	}
	if err := db.UpsertBackupFile(&store.BackupFile{BackupID: "b2", RelativePath: "data.bin", Size: int64(len(content)), TransferStatus: store.StatusPending}); err != nil {
		t.Fatalf("upsert backup file: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := outbound.SendFile(ctx, "b2", "data.bin", src); err != nil {
		t.Fatalf("send file: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "data.bin"))
	if err != nil {
		t.Fatalf("read destination file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("expected %q, got %q", content, got)
	}
}

func TestOutbound_SendFile_EmptyFile(t *testing.T) {
	db := newTestDB(t)
	outbound, _, destDir, _ := loopback(t, db)

	dir := t.TempDir()
	src := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(src, nil, 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := db.CreateBackup(&store.Backup{ID: "b3", Direction: store.DirectionSent, CreatedAt: time.Now().Unix(), Status: store.BackupActive}); err != nil {
		t.Fatalf("create backup: %v", err)
	}
	if err := db.UpsertBackupFile(&store.BackupFile{BackupID: "b3", RelativePath: "empty.txt", Size: 0, TransferStatus: store.StatusPending}); err != nil {
		t.Fatalf("upsert backup file: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := outbound.SendFile(ctx, "b3", "empty.txt", src); err != nil {
		t.Fatalf("send file: %v", err)
	}

	if _, err := os.Stat(filepath.Join(destDir, "empty.txt")); err != nil {
		t.Fatalf("expected empty file to exist at destination: %v", err)
	}
}

func TestOutbound_SendFile_ResumesFromIncompleteChunk(t *testing.T) {
	db := newTestDB(t)
	outbound, _, destDir, quarantineDir := loopback(t, db)
	outbound.chunkSize = 4

	dir := t.TempDir()
	src := filepath.Join(dir, "resume.bin")
	content := []byte("aaaabbbbcccc") // 3 chunks of 4
	if err := os.WriteFile(src, content, 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := db.CreateBackup(&store.Backup{ID: "b4", Direction: store.DirectionSent, CreatedAt: time.Now().Unix(), Status: store.BackupActive}); err != nil {
		t.Fatalf("create backup: %v", err)
	}
	if err := db.UpsertBackupFile(&store.BackupFile{BackupID: "b4", RelativePath: "resume.bin", Size: int64(len(content)), TransferStatus: store.StatusPending}); err != nil {
		t.Fatalf("upsert backup file: %v", err)
	}

	// Simulate a prior attempt that completed chunk 0 only: the sender's
	// own ledger says it was acked, and the receiver already has it
	// written into its quarantine file from that earlier attempt.
	if err := db.UpsertChunkState(&store.ChunkState{BackupID: "b4", ChunkIndex: 0, ChunkHash: "x", ChunkSize: 4, State: store.StatusCompleted}); err != nil {
		t.Fatalf("seed chunk state: %v", err)
	}
	quarantinePath := filepath.Join(quarantineDir, sanitizeQuarantineName("b4", "resume.bin"))
	quarantineFile, err := os.OpenFile(quarantinePath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("seed quarantine file: %v", err)
	}
	if err := quarantineFile.Truncate(int64(len(content))); err != nil {
		t.Fatalf("truncate quarantine file: %v", err)
	}
	if _, err := quarantineFile.WriteAt(content[:4], 0); err != nil {
		t.Fatalf("seed quarantine chunk 0: %v", err)
	}
	quarantineFile.Close()

	resumeFrom, err := outbound.firstIncompleteChunk("b4", 3)
	if err != nil {
		t.Fatalf("first incomplete chunk: %v", err)
	}
	if resumeFrom != 1 {
		t.Fatalf("expected resume from chunk 1, got %d", resumeFrom)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := outbound.SendFile(ctx, "b4", "resume.bin", src); err != nil {
		t.Fatalf("send file: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "resume.bin"))
	if err != nil {
		t.Fatalf("read destination file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("expected %q, got %q", content, got)
	}
}

func TestOutbound_SendFile_RecordsConsumptionInLedger(t *testing.T) {
	db := newTestDB(t)
	ledger := allocation.NewLedger(1 << 40)
	outbound, _, _, _, _ := loopbackWithLedger(t, db, ledger)

	dir := t.TempDir()
	src := filepath.Join(dir, "photo.jpg")
	content := []byte("hello world")
	if err := os.WriteFile(src, content, 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := db.CreateBackup(&store.Backup{
		ID: "b5", Direction: store.DirectionSent, CounterpartyHash: "peerhash2",
		CreatedAt: time.Now().Unix(), Status: store.BackupActive,
	}); err != nil {
		t.Fatalf("create backup: %v", err)
	}
	if err := db.UpsertBackupFile(&store.BackupFile{BackupID: "b5", RelativePath: "photo.jpg", Size: int64(len(content)), TransferStatus: store.StatusPending}); err != nil {
		t.Fatalf("upsert backup file: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := outbound.SendFile(ctx, "b5", "photo.jpg", src); err != nil {
		t.Fatalf("send file: %v", err)
	}

	if got := ledger.PeerAllocation("peerhash2").ConsumedFrom; got != int64(len(content)) {
		t.Fatalf("expected %d bytes consumed from peerhash2, got %d", len(content), got)
	}
}

func TestRouter_DeliverDropsWhenNoWaiter(t *testing.T) {
	router := NewRouter()
	env, err := marshalEnvelope(KindChunkAck, ChunkAckPayload{BackupID: "b", RelativePath: "f", ChunkIndex: 0, Status: ChunkAckReceived})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	router.Deliver(env) // should not panic or block
}
