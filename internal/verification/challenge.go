// Package verification implements the storage-commitment and
// challenge/response proof-of-storage protocol: three challenge kinds
// (random-blocks, file-hash, metadata-proof), a 100-entry rolling history
// per peer, and the background scheduler that issues one random-blocks
// challenge per active sent backup at a configured cadence. Grounded on
// the same request/response-over-channel idiom as internal/transfer, and
// on the bounded-ring-buffer idiom already used in internal/reputation for
// its uptime samples.
package verification

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/ssd-technologies/backup-peer/internal/store"
)

// Kind mirrors store.ChallengeKind but lives in this package's vocabulary
// for the wire payloads.
type Kind = store.ChallengeKind

const (
	KindRandomBlocks  = store.ChallengeRandomBlocks
	KindFileHash      = store.ChallengeFileHash
	KindMetadataProof = store.ChallengeMetadataProof
)

// challengeWindow is how long a custodian has to respond.
const challengeWindow = 5 * time.Minute

// historyLimit bounds the rolling per-peer challenge history.
const historyLimit = 100

// ErrorKind discriminates verification failures.
type ErrorKind string

const (
	ErrUnknownChallenge ErrorKind = "unknown-challenge"
	ErrUnsupportedKind  ErrorKind = "unsupported-kind"
	ErrProofMismatch    ErrorKind = "proof-mismatch"
	ErrTimeout          ErrorKind = "timeout"
	ErrChallengeExpired ErrorKind = "challenge-expired"
)

// Error wraps a verification failure with a stable discriminant. Per the
// propagation rules, a VerificationError is recorded and surfaced to
// reputation as a failure but never closes the session.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verification: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("verification: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, err error) *Error { return &Error{Kind: kind, Err: err} }

// RandomBlocksParams names the chunk indices the custodian must prove.
type RandomBlocksParams struct {
	ChunkIndices []int `json:"chunk_indices"`
}

// FileHashParams names the relative paths the custodian must hash.
type FileHashParams struct {
	RelativePaths []string `json:"relative_paths"`
}

// MetadataProofParams carries the caller-supplied nonce.
type MetadataProofParams struct {
	NonceHex string `json:"nonce"`
}

// ChunkProof is one entry of a random-blocks proof.
type ChunkProof struct {
	ChunkIndex int    `json:"chunk_index"`
	Hash       string `json:"hash"`
	Size       int64  `json:"size"`
}

// FileProof is one entry of a file-hash proof.
type FileProof struct {
	RelativePath string `json:"relative_path"`
	Hash         string `json:"hash"`
}

// Challenge is the wire shape of a storage_challenge message.
type Challenge struct {
	ID         string          `json:"id"`
	BackupID   string          `json:"backup_id"`
	Kind       Kind            `json:"kind"`
	Params     json.RawMessage `json:"params"`
	IssuedAt   int64           `json:"issued_at"`
	ExpiresAt  int64           `json:"expires_at"`
}

// Proof is the wire shape of a storage_proof response.
type Proof struct {
	ChallengeID string          `json:"challenge_id"`
	BackupID    string          `json:"backup_id"`
	Kind        Kind            `json:"kind"`
	ChunkProofs []ChunkProof    `json:"chunk_proofs,omitempty"`
	FileProofs  []FileProof     `json:"file_proofs,omitempty"`
	MetadataHash string         `json:"metadata_hash,omitempty"`
	NonceHex    string          `json:"nonce,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// BackupMetadataProvider answers the local facts a challenger or
// custodian needs without this package depending on the store directly
// for every lookup — the dispatcher wires it to the actual store.
type BackupMetadataProvider interface {
	ChunkCount(backupID string) (int, error)
	ChunkHash(backupID string, index int) (hash string, size int64, err error)
	FileList(backupID string) ([]string, error)
	FileHash(backupID, relativePath string) (string, error)
	FileCount(backupID string) (int, error)
}

// NewRandomBlocksChallenge samples min(10, sampleSize) distinct chunk
// indices from [0, sampleSize). The scheduler passes the backup's recorded
// chunk count capped at 1000; there is no file-count fallback, and a
// backup with no recorded chunks is not challenged.
func NewRandomBlocksChallenge(id, backupID string, sampleSize int, now time.Time) (Challenge, error) {
	if sampleSize <= 0 {
		return Challenge{}, newError(ErrUnsupportedKind, fmt.Errorf("sample size must be positive"))
	}
	count := 10
	if sampleSize < count {
		count = sampleSize
	}
	indices := sampleDistinct(sampleSize, count)
	params, err := json.Marshal(RandomBlocksParams{ChunkIndices: indices})
	if err != nil {
		return Challenge{}, err
	}
	return newChallenge(id, backupID, KindRandomBlocks, params, now), nil
}

// NewFileHashChallenge samples 3 distinct files from the given candidate
// list.
func NewFileHashChallenge(id, backupID string, candidates []string, now time.Time) (Challenge, error) {
	if len(candidates) == 0 {
		return Challenge{}, newError(ErrUnsupportedKind, fmt.Errorf("no files to challenge"))
	}
	count := 3
	if len(candidates) < count {
		count = len(candidates)
	}
	idx := sampleDistinct(len(candidates), count)
	picked := make([]string, 0, count)
	for _, i := range idx {
		picked = append(picked, candidates[i])
	}
	params, err := json.Marshal(FileHashParams{RelativePaths: picked})
	if err != nil {
		return Challenge{}, err
	}
	return newChallenge(id, backupID, KindFileHash, params, now), nil
}

// NewMetadataProofChallenge issues a challenge over a caller-supplied
// 32-byte nonce.
func NewMetadataProofChallenge(id, backupID string, nonce [32]byte, now time.Time) (Challenge, error) {
	params, err := json.Marshal(MetadataProofParams{NonceHex: hex.EncodeToString(nonce[:])})
	if err != nil {
		return Challenge{}, err
	}
	return newChallenge(id, backupID, KindMetadataProof, params, now), nil
}

func newChallenge(id, backupID string, kind Kind, params json.RawMessage, now time.Time) Challenge {
	return Challenge{
		ID: id, BackupID: backupID, Kind: kind, Params: params,
		IssuedAt: now.Unix(), ExpiresAt: now.Add(challengeWindow).Unix(),
	}
}

// Expired reports whether the challenge's window has closed as of now.
func (c Challenge) Expired(now time.Time) bool {
	return now.Unix() > c.ExpiresAt
}

// RespondToChallenge is the custodian side: consult local metadata and
// build the matching storage_proof. Returns a proof with Error set (not a
// Go error) when the custodian cannot produce one, so the challenger can
// still account a structured failure rather than timing out.
func RespondToChallenge(provider BackupMetadataProvider, c Challenge, now time.Time) Proof {
	if c.Expired(now) {
		return Proof{ChallengeID: c.ID, BackupID: c.BackupID, Kind: c.Kind, Error: string(ErrChallengeExpired)}
	}

	switch c.Kind {
	case KindRandomBlocks:
		var params RandomBlocksParams
		if err := json.Unmarshal(c.Params, &params); err != nil {
			return Proof{ChallengeID: c.ID, BackupID: c.BackupID, Kind: c.Kind, Error: err.Error()}
		}
		proofs := make([]ChunkProof, 0, len(params.ChunkIndices))
		for _, idx := range params.ChunkIndices {
			hash, size, err := provider.ChunkHash(c.BackupID, idx)
			if err != nil {
				return Proof{ChallengeID: c.ID, BackupID: c.BackupID, Kind: c.Kind, Error: err.Error()}
			}
			proofs = append(proofs, ChunkProof{ChunkIndex: idx, Hash: hash, Size: size})
		}
		return Proof{ChallengeID: c.ID, BackupID: c.BackupID, Kind: c.Kind, ChunkProofs: proofs}

	case KindFileHash:
		var params FileHashParams
		if err := json.Unmarshal(c.Params, &params); err != nil {
			return Proof{ChallengeID: c.ID, BackupID: c.BackupID, Kind: c.Kind, Error: err.Error()}
		}
		proofs := make([]FileProof, 0, len(params.RelativePaths))
		for _, path := range params.RelativePaths {
			hash, err := provider.FileHash(c.BackupID, path)
			if err != nil {
				return Proof{ChallengeID: c.ID, BackupID: c.BackupID, Kind: c.Kind, Error: err.Error()}
			}
			proofs = append(proofs, FileProof{RelativePath: path, Hash: hash})
		}
		return Proof{ChallengeID: c.ID, BackupID: c.BackupID, Kind: c.Kind, FileProofs: proofs}

	case KindMetadataProof:
		var params MetadataProofParams
		if err := json.Unmarshal(c.Params, &params); err != nil {
			return Proof{ChallengeID: c.ID, BackupID: c.BackupID, Kind: c.Kind, Error: err.Error()}
		}
		fileCount, err := provider.FileCount(c.BackupID)
		if err != nil {
			return Proof{ChallengeID: c.ID, BackupID: c.BackupID, Kind: c.Kind, Error: err.Error()}
		}
		hash := metadataProofHash(c.BackupID, c.IssuedAt, fileCount, params.NonceHex)
		return Proof{ChallengeID: c.ID, BackupID: c.BackupID, Kind: c.Kind, MetadataHash: hash, NonceHex: params.NonceHex}

	default:
		return Proof{ChallengeID: c.ID, BackupID: c.BackupID, Kind: c.Kind, Error: string(ErrUnsupportedKind)}
	}
}

// VerifyProof is the challenger side: check the custodian's proof against
// this node's own authoritative local metadata for the same backup.
func VerifyProof(provider BackupMetadataProvider, c Challenge, p Proof) error {
	if p.Error != "" {
		return newError(ErrProofMismatch, fmt.Errorf("custodian error: %s", p.Error))
	}

	switch c.Kind {
	case KindRandomBlocks:
		var params RandomBlocksParams
		if err := json.Unmarshal(c.Params, &params); err != nil {
			return newError(ErrUnsupportedKind, err)
		}
		gotIndices := make([]int, 0, len(p.ChunkProofs))
		for _, got := range p.ChunkProofs {
			gotIndices = append(gotIndices, got.ChunkIndex)
		}
		if !sameIntSet(params.ChunkIndices, gotIndices) {
			return newError(ErrProofMismatch, fmt.Errorf("returned chunk indices %v do not match challenged indices %v", gotIndices, params.ChunkIndices))
		}
		for _, got := range p.ChunkProofs {
			wantHash, wantSize, err := provider.ChunkHash(c.BackupID, got.ChunkIndex)
			if err != nil {
				return newError(ErrProofMismatch, err)
			}
			if wantHash != got.Hash || wantSize != got.Size {
				return newError(ErrProofMismatch, fmt.Errorf("chunk %d mismatch", got.ChunkIndex))
			}
		}
		return nil

	case KindFileHash:
		var params FileHashParams
		if err := json.Unmarshal(c.Params, &params); err != nil {
			return newError(ErrUnsupportedKind, err)
		}
		gotPaths := make([]string, 0, len(p.FileProofs))
		for _, got := range p.FileProofs {
			gotPaths = append(gotPaths, got.RelativePath)
		}
		if !sameStringSet(params.RelativePaths, gotPaths) {
			return newError(ErrProofMismatch, fmt.Errorf("returned file paths %v do not match challenged paths %v", gotPaths, params.RelativePaths))
		}
		for _, got := range p.FileProofs {
			wantHash, err := provider.FileHash(c.BackupID, got.RelativePath)
			if err != nil {
				return newError(ErrProofMismatch, err)
			}
			if wantHash != got.Hash {
				return newError(ErrProofMismatch, fmt.Errorf("file %q mismatch", got.RelativePath))
			}
		}
		return nil

	case KindMetadataProof:
		var params MetadataProofParams
		if err := json.Unmarshal(c.Params, &params); err != nil {
			return newError(ErrUnsupportedKind, err)
		}
		fileCount, err := provider.FileCount(c.BackupID)
		if err != nil {
			return newError(ErrProofMismatch, err)
		}
		want := metadataProofHash(c.BackupID, c.IssuedAt, fileCount, params.NonceHex)
		if want != p.MetadataHash {
			return newError(ErrProofMismatch, fmt.Errorf("metadata hash mismatch"))
		}
		return nil

	default:
		return newError(ErrUnsupportedKind, fmt.Errorf("unknown challenge kind %q", c.Kind))
	}
}

// metadataProofHash computes SHA-256(canonical(backup_id || timestamp ||
// file_count || nonce)).
func metadataProofHash(backupID string, issuedAt int64, fileCount int, nonceHex string) string {
	canonical := fmt.Sprintf("%s|%d|%d|%s", backupID, issuedAt, fileCount, nonceHex)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// sameIntSet reports whether a and b contain exactly the same values,
// ignoring order but not duplicates or substitutions.
func sameIntSet(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]int(nil), a...)
	bs := append([]int(nil), b...)
	sort.Ints(as)
	sort.Ints(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// sameStringSet reports whether a and b contain exactly the same values,
// ignoring order but not duplicates or substitutions.
func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func sampleDistinct(n, k int) []int {
	if k >= n {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all
	}
	picked := make(map[int]bool, k)
	result := make([]int, 0, k)
	for len(result) < k {
		i := rand.Intn(n)
		if picked[i] {
			continue
		}
		picked[i] = true
		result = append(result, i)
	}
	sort.Ints(result)
	return result
}
