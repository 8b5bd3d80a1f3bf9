package transfer

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ssd-technologies/backup-peer/internal/crypto"
	"github.com/ssd-technologies/backup-peer/internal/store"
)

// inboundFile tracks one file's receive-side progress.
type inboundFile struct {
	backupID     string
	relativePath string
	fileSize     int64
	totalChunks  int
	chunkSize    int
	fileHash     string
	quarantine   string
	receivedSet  map[int]bool
}

// Inbound drives the receive path: accept file_start, write chunks into a
// quarantined file as they arrive, and only move the result into the
// caller-provided destination after the whole-file hash matches.
// Grounded on GoSend's temp-file-plus-rename quarantine pattern, adapted
// from the session-key cipher there to this module's per-peer shared
// secret.
type Inbound struct {
	db             *store.DB
	sender         Sender
	sharedSecret   [32]byte
	quarantineDir  string
	destinationDir func(backupID string) string

	mu    sync.Mutex
	files map[string]*inboundFile
}

// NewInbound creates an Inbound. quarantineDir holds in-flight files until
// whole-file verification succeeds; destinationDir resolves where a
// verified file for a given backup is finally placed.
func NewInbound(db *store.DB, sender Sender, sharedSecret [32]byte, quarantineDir string, destinationDir func(backupID string) string) *Inbound {
	return &Inbound{
		db: db, sender: sender, sharedSecret: sharedSecret,
		quarantineDir: quarantineDir, destinationDir: destinationDir,
		files: make(map[string]*inboundFile),
	}
}

// HandleFileStart allocates the quarantine file and replies ready/rejected.
func (in *Inbound) HandleFileStart(p FileStartPayload) error {
	key := ackKey(p.BackupID, p.RelativePath)

	if err := os.MkdirAll(in.quarantineDir, 0o700); err != nil {
		return in.reject(p, fmt.Sprintf("quarantine dir: %v", err))
	}
	quarantine := filepath.Join(in.quarantineDir, sanitizeQuarantineName(p.BackupID, p.RelativePath))

	// A resumed receive reuses the existing quarantine file and the chunks
	// already persisted as completed for it, rather than discarding
	// partial progress from an earlier attempt on this file.
	receivedSet := make(map[int]bool)
	_, statErr := os.Stat(quarantine)
	resuming := statErr == nil
	if resuming {
		if states, err := in.db.ListChunkStates(p.BackupID); err == nil {
			for _, s := range states {
				if s.State == store.StatusCompleted || s.State == store.StatusVerified {
					receivedSet[s.ChunkIndex] = true
				}
			}
		}
	} else {
		f, err := os.OpenFile(quarantine, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return in.reject(p, fmt.Sprintf("open quarantine file: %v", err))
		}
		if err := f.Truncate(p.FileSize); err != nil {
			f.Close()
			return in.reject(p, fmt.Sprintf("truncate quarantine file: %v", err))
		}
		f.Close()
	}

	in.mu.Lock()
	in.files[key] = &inboundFile{
		backupID: p.BackupID, relativePath: p.RelativePath,
		fileSize: p.FileSize, totalChunks: p.TotalChunks, chunkSize: p.ChunkSize,
		fileHash: p.FileHash, quarantine: quarantine, receivedSet: receivedSet,
	}
	in.mu.Unlock()

	ack, err := marshalEnvelope(KindFileStartAck, FileStartAckPayload{
		BackupID: p.BackupID, RelativePath: p.RelativePath, Status: "ready",
	})
	if err != nil {
		return err
	}
	return in.sender.Send(ack)
}

func (in *Inbound) reject(p FileStartPayload, reason string) error {
	ack, err := marshalEnvelope(KindFileStartAck, FileStartAckPayload{
		BackupID: p.BackupID, RelativePath: p.RelativePath, Status: "rejected", Reason: reason,
	})
	if err != nil {
		return err
	}
	return in.sender.Send(ack)
}

// HandleFileChunk decrypts, verifies, and persists one chunk, replying
// chunk_ack(received) or chunk_ack(error). The receiver never acks a chunk
// whose hash or decryption fails.
func (in *Inbound) HandleFileChunk(p FileChunkPayload) error {
	key := ackKey(p.BackupID, p.RelativePath)
	in.mu.Lock()
	f := in.files[key]
	in.mu.Unlock()
	if f == nil {
		return in.nack(p, "unknown file transfer")
	}
	if p.ChunkIndex < 0 || p.ChunkIndex >= f.totalChunks {
		return in.nack(p, "invalid chunk index")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(p.CiphertextBase64)
	if err != nil {
		return in.nack(p, "invalid ciphertext encoding")
	}
	plaintext, err := crypto.Open(in.sharedSecret, ciphertext)
	if err != nil {
		return in.nack(p, "decryption failed")
	}
	if crypto.HashBytes(plaintext) != p.ChunkHash {
		return in.nack(p, "chunk hash mismatch")
	}
	if p.ChunkSize > 0 && len(plaintext) != p.ChunkSize {
		return in.nack(p, "chunk size mismatch")
	}

	file, err := os.OpenFile(f.quarantine, os.O_WRONLY, 0o600)
	if err != nil {
		return in.nack(p, "open quarantine file failed")
	}
	_, writeErr := file.WriteAt(plaintext, int64(p.ChunkIndex)*int64(f.chunkSize))
	file.Close()
	if writeErr != nil {
		return in.nack(p, "write chunk failed")
	}

	in.mu.Lock()
	f.receivedSet[p.ChunkIndex] = true
	in.mu.Unlock()

	_ = in.db.UpsertChunkState(&store.ChunkState{
		BackupID: p.BackupID, ChunkIndex: p.ChunkIndex, ChunkHash: p.ChunkHash,
		ChunkSize: int64(len(plaintext)), State: store.StatusCompleted,
	})

	ack, err := marshalEnvelope(KindChunkAck, ChunkAckPayload{
		BackupID: p.BackupID, RelativePath: p.RelativePath, ChunkIndex: p.ChunkIndex, Status: ChunkAckReceived,
	})
	if err != nil {
		return err
	}
	return in.sender.Send(ack)
}

func (in *Inbound) nack(p FileChunkPayload, reason string) error {
	ack, err := marshalEnvelope(KindChunkAck, ChunkAckPayload{
		BackupID: p.BackupID, RelativePath: p.RelativePath, ChunkIndex: p.ChunkIndex,
		Status: ChunkAckError, Reason: reason,
	})
	if err != nil {
		return err
	}
	return in.sender.Send(ack)
}

// HandleFileComplete requires every chunk to be present, verifies the
// whole-file SHA-256, and on success atomically moves the quarantined file
// into its destination directory. A hash mismatch discards the
// quarantined file and fails the transfer.
func (in *Inbound) HandleFileComplete(p FileCompletePayload) error {
	key := ackKey(p.BackupID, p.RelativePath)
	in.mu.Lock()
	f := in.files[key]
	in.mu.Unlock()
	if f == nil {
		return in.completeAck(p, FileCompleteFailure, "unknown file transfer")
	}

	in.mu.Lock()
	receivedCount := len(f.receivedSet)
	in.mu.Unlock()
	if receivedCount != f.totalChunks {
		_ = os.Remove(f.quarantine)
		_ = in.db.UpdateBackupFileStatus(f.backupID, f.relativePath, store.StatusFailed)
		return in.completeAck(p, FileCompleteFailure, "missing chunks")
	}

	actualHash, err := hashFile(f.quarantine)
	if err != nil || actualHash != f.fileHash {
		_ = os.Remove(f.quarantine)
		_ = in.db.UpdateBackupFileStatus(f.backupID, f.relativePath, store.StatusFailed)
		return in.completeAck(p, FileCompleteFailure, "whole-file hash mismatch")
	}

	destDir := in.destinationDir(f.backupID)
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return in.completeAck(p, FileCompleteFailure, "create destination failed")
	}
	destPath := filepath.Join(destDir, filepath.FromSlash(f.relativePath))
	if err := os.MkdirAll(filepath.Dir(destPath), 0o700); err != nil {
		return in.completeAck(p, FileCompleteFailure, "create destination parent failed")
	}
	if err := os.Rename(f.quarantine, destPath); err != nil {
		return in.completeAck(p, FileCompleteFailure, "move into received tree failed")
	}

	_ = in.db.UpdateBackupFileStatus(f.backupID, f.relativePath, store.StatusVerified)

	in.mu.Lock()
	delete(in.files, key)
	in.mu.Unlock()

	return in.completeAck(p, FileCompleteSuccess, "")
}

func (in *Inbound) completeAck(p FileCompletePayload, status FileCompleteAckStatus, reason string) error {
	ack, err := marshalEnvelope(KindFileCompleteAck, FileCompleteAckPayload{
		BackupID: p.BackupID, RelativePath: p.RelativePath, Status: status, Reason: reason,
	})
	if err != nil {
		return err
	}
	return in.sender.Send(ack)
}

func sanitizeQuarantineName(backupID, relativePath string) string {
	safe := filepath.Base(relativePath)
	return backupID + "_" + safe + ".part"
}
