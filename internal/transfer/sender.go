package transfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ssd-technologies/backup-peer/internal/allocation"
	"github.com/ssd-technologies/backup-peer/internal/crypto"
	"github.com/ssd-technologies/backup-peer/internal/store"
)

// ackTimeout bounds how long the sender waits for any single ack before
// treating the attempt as failed. Matches the send-backpressure timeout
// named alongside connection and challenge timeouts.
const ackTimeout = 30 * time.Second

// Sender is anything that can write one transfer envelope to the peer
// channel; satisfied by the dispatcher's outbound path.
type Sender interface {
	Send(env Envelope) error
}

func marshalEnvelope(kind Kind, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: kind, Payload: body}, nil
}

func chunkCount(size int64, chunkSize int) int {
	if size == 0 {
		return 0
	}
	n := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		n++
	}
	return n
}

// Outbound drives the send path for one backup's files.
type Outbound struct {
	db           *store.DB
	sender       Sender
	router       *Router
	sharedSecret [32]byte
	chunkSize    int
	ledger       *allocation.Ledger
}

// NewOutbound creates an Outbound using DefaultChunkSize. ledger may be nil,
// in which case completed sends are not recorded against any give-to-get
// bound.
func NewOutbound(db *store.DB, sender Sender, router *Router, sharedSecret [32]byte, ledger *allocation.Ledger) *Outbound {
	return &Outbound{db: db, sender: sender, router: router, sharedSecret: sharedSecret, chunkSize: DefaultChunkSize, ledger: ledger}
}

// SendFile transfers sourcePath as relativePath within backupID, resuming
// from the first chunk not yet completed or verified. Returns nil only
// once the receiver has acknowledged whole-file success.
func (o *Outbound) SendFile(ctx context.Context, backupID, relativePath, sourcePath string) error {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return newError(relativePath, -1, ErrFileIntegrity, fmt.Errorf("stat source: %w", err))
	}

	fileHash, err := hashFile(sourcePath)
	if err != nil {
		return newError(relativePath, -1, ErrFileIntegrity, err)
	}

	totalChunks := chunkCount(info.Size(), o.chunkSize)
	resumeFrom, err := o.firstIncompleteChunk(backupID, totalChunks)
	if err != nil {
		return newError(relativePath, -1, ErrFileIntegrity, err)
	}

	ackCh := o.router.register(backupID, relativePath)
	defer o.router.unregister(backupID, relativePath)

	startEnv, err := marshalEnvelope(KindFileStart, FileStartPayload{
		BackupID:        backupID,
		RelativePath:    relativePath,
		FileSize:        info.Size(),
		TotalChunks:     totalChunks,
		ChunkSize:       o.chunkSize,
		FileHash:        fileHash,
		ResumeFromChunk: resumeFrom,
	})
	if err != nil {
		return newError(relativePath, -1, ErrFileIntegrity, err)
	}
	if err := o.sender.Send(startEnv); err != nil {
		return newError(relativePath, -1, ErrFileIntegrity, err)
	}

	startAck, err := waitFor(ctx, ackCh, ackTimeout, func(env Envelope) bool { return env.Type == KindFileStartAck })
	if err != nil {
		return newError(relativePath, -1, ErrMissingChunk, err)
	}
	var startAckPayload FileStartAckPayload
	if err := json.Unmarshal(startAck.Payload, &startAckPayload); err != nil {
		return newError(relativePath, -1, ErrFileIntegrity, err)
	}
	if startAckPayload.Status != "ready" {
		return newError(relativePath, -1, ErrFileIntegrity, fmt.Errorf("receiver rejected: %s", startAckPayload.Reason))
	}

	file, err := os.Open(sourcePath)
	if err != nil {
		return newError(relativePath, -1, ErrFileIntegrity, err)
	}
	defer file.Close()

	for chunkIndex := resumeFrom; chunkIndex < totalChunks; chunkIndex++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		chunkData, err := readChunk(file, int64(chunkIndex)*int64(o.chunkSize), o.chunkSize)
		if err != nil {
			return newError(relativePath, chunkIndex, ErrSourceChanged, err)
		}
		liveHash := crypto.HashBytes(chunkData)

		if prior, err := o.db.ListChunkStates(backupID); err == nil {
			for _, cs := range prior {
				if cs.ChunkIndex == chunkIndex && cs.ChunkHash != "" && cs.ChunkHash != liveHash && cs.State != store.StatusPending {
					return newError(relativePath, chunkIndex, ErrSourceChanged, fmt.Errorf("source file changed since last attempt"))
				}
			}
		}

		if err := o.sendChunkWithRetries(ctx, ackCh, backupID, relativePath, chunkIndex, chunkData, liveHash); err != nil {
			return err
		}
	}

	completeEnv, err := marshalEnvelope(KindFileComplete, FileCompletePayload{BackupID: backupID, RelativePath: relativePath})
	if err != nil {
		return newError(relativePath, -1, ErrFileIntegrity, err)
	}
	if err := o.sender.Send(completeEnv); err != nil {
		return newError(relativePath, -1, ErrFileIntegrity, err)
	}

	completeAck, err := waitFor(ctx, ackCh, ackTimeout, func(env Envelope) bool { return env.Type == KindFileCompleteAck })
	if err != nil {
		return newError(relativePath, -1, ErrFileIntegrity, err)
	}
	var completeAckPayload FileCompleteAckPayload
	if err := json.Unmarshal(completeAck.Payload, &completeAckPayload); err != nil {
		return newError(relativePath, -1, ErrFileIntegrity, err)
	}
	if completeAckPayload.Status != FileCompleteSuccess {
		return newError(relativePath, -1, ErrFileIntegrity, fmt.Errorf("receiver reported failure: %s", completeAckPayload.Reason))
	}

	if err := o.db.UpdateBackupFileStatus(backupID, relativePath, store.StatusCompleted); err != nil {
		return err
	}

	// The whole file is now placed with the custodian: it consumed
	// info.Size() bytes of whatever storage they offered us.
	if o.ledger != nil {
		if backup, err := o.db.GetBackup(backupID); err == nil && backup.CounterpartyHash != "" {
			o.ledger.Consume(backup.CounterpartyHash, info.Size())
		}
	}
	return nil
}

func (o *Outbound) sendChunkWithRetries(ctx context.Context, ackCh chan Envelope, backupID, relativePath string, chunkIndex int, chunkData []byte, liveHash string) error {
	for attempt := 1; attempt <= MaxChunkAttempts; attempt++ {
		if err := o.db.UpsertChunkState(&store.ChunkState{
			BackupID:     backupID,
			ChunkIndex:   chunkIndex,
			ChunkHash:    liveHash,
			ChunkSize:    int64(len(chunkData)),
			State:        store.StatusTransferring,
			AttemptCount: attempt,
			LastAttempt:  time.Now().Unix(),
		}); err != nil {
			return newError(relativePath, chunkIndex, ErrChunkIntegrity, err)
		}

		ciphertext, err := crypto.Seal(o.sharedSecret, chunkData)
		if err != nil {
			return newError(relativePath, chunkIndex, ErrChunkIntegrity, err)
		}

		chunkEnv, err := marshalEnvelope(KindFileChunk, FileChunkPayload{
			BackupID:         backupID,
			RelativePath:     relativePath,
			ChunkIndex:       chunkIndex,
			ChunkSize:        len(chunkData),
			ChunkHash:        liveHash,
			CiphertextBase64: base64.StdEncoding.EncodeToString(ciphertext),
		})
		if err != nil {
			return newError(relativePath, chunkIndex, ErrChunkIntegrity, err)
		}
		if err := o.sender.Send(chunkEnv); err != nil {
			return newError(relativePath, chunkIndex, ErrChunkIntegrity, err)
		}

		ackEnv, err := waitFor(ctx, ackCh, ackTimeout, func(env Envelope) bool {
			if env.Type != KindChunkAck {
				return false
			}
			var p ChunkAckPayload
			if json.Unmarshal(env.Payload, &p) != nil {
				return false
			}
			return p.ChunkIndex == chunkIndex
		})
		if err != nil {
			continue
		}

		var ack ChunkAckPayload
		if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
			continue
		}
		if ack.Status == ChunkAckReceived {
			_ = o.db.UpsertChunkState(&store.ChunkState{
				BackupID: backupID, ChunkIndex: chunkIndex, ChunkHash: liveHash,
				ChunkSize: int64(len(chunkData)), State: store.StatusCompleted,
				AttemptCount: attempt, LastAttempt: time.Now().Unix(),
			})
			return nil
		}

		_ = o.db.UpsertChunkState(&store.ChunkState{
			BackupID: backupID, ChunkIndex: chunkIndex, ChunkHash: liveHash,
			ChunkSize: int64(len(chunkData)), State: store.StatusFailed,
			AttemptCount: attempt, LastAttempt: time.Now().Unix(), ErrorMessage: ack.Reason,
		})
	}

	return newError(relativePath, chunkIndex, ErrRetryExhausted, fmt.Errorf("exhausted %d attempts", MaxChunkAttempts))
}

// firstIncompleteChunk returns the lowest chunk index not yet recorded as
// completed or verified. Chunks with no recorded state at all (never
// attempted) also count as incomplete, so a fresh transfer resumes from 0.
func (o *Outbound) firstIncompleteChunk(backupID string, totalChunks int) (int, error) {
	states, err := o.db.ListChunkStates(backupID)
	if err != nil {
		return 0, err
	}
	completed := make(map[int]bool, len(states))
	for _, s := range states {
		if s.State == store.StatusCompleted || s.State == store.StatusVerified {
			completed[s.ChunkIndex] = true
		}
	}
	for i := 0; i < totalChunks; i++ {
		if !completed[i] {
			return i, nil
		}
	}
	return totalChunks, nil
}

func waitFor(ctx context.Context, ch chan Envelope, timeout time.Duration, pred func(Envelope) bool) (Envelope, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-deadline.C:
			return Envelope{}, fmt.Errorf("timed out waiting for ack")
		case env := <-ch:
			if pred(env) {
				return env, nil
			}
		}
	}
}

func readChunk(f *os.File, offset int64, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return crypto.HashReader(f)
}
