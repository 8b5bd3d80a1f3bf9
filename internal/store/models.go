package store

// Direction classifies a backup by who is the custodian.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// BackupStatus tracks a backup's lifecycle.
type BackupStatus string

const (
	BackupActive    BackupStatus = "active"
	BackupCompleted BackupStatus = "completed"
	BackupFailed    BackupStatus = "failed"
	BackupCancelled BackupStatus = "cancelled"
	BackupPaused    BackupStatus = "paused"
)

// TransferStatus tracks a file's or chunk's progress.
type TransferStatus string

const (
	StatusPending      TransferStatus = "pending"
	StatusTransferring TransferStatus = "transferring"
	StatusCompleted    TransferStatus = "completed"
	StatusFailed       TransferStatus = "failed"
	StatusVerified     TransferStatus = "verified"
)

// Backup is an immutable-once-completed collection of files exchanged with
// one counterparty.
type Backup struct {
	ID                string
	Name              string
	Direction         Direction
	CounterpartyHash  string
	CreatedAt         int64
	Status            BackupStatus
	FileCount         int
	TotalBytes        int64
	MetadataJSON      string // structured file entries, see BackupFile
}

// BackupFile is one file within a backup.
type BackupFile struct {
	BackupID       string
	RelativePath   string
	Size           int64
	SHA256         string
	ChunkCount     int
	TransferStatus TransferStatus
}

// ChunkState tracks the transfer progress of one chunk of one file.
type ChunkState struct {
	BackupID     string
	ChunkIndex   int
	ChunkHash    string
	ChunkSize    int64
	State        TransferStatus
	AttemptCount int
	LastAttempt  int64
	ErrorMessage string
}

// Peer is a persisted record of a counterparty's identity material.
type Peer struct {
	PeerIDHash          string
	PublicKey           []byte // Ed25519 signing public key, encrypted at rest
	EncryptionPublicKey []byte // X25519 public key, encrypted at rest
	MetadataJSON        string // encrypted at rest
	TrustLevel          string
	FirstSeen           int64
	LastSeen            int64
}

// StorageCommitment is a signed declaration of storage offered by a peer.
type StorageCommitment struct {
	PeerIDHash          string
	EncryptionPublicKey []byte
	BytesOffered        int64
	AvailabilityTerms   string
	RetentionPeriodMs   int64
	CreatedAt           int64
	ExpiresAt           int64
	Signature           []byte // encrypted at rest
}

// ChallengeKind enumerates verification challenge kinds.
type ChallengeKind string

const (
	ChallengeRandomBlocks  ChallengeKind = "random-blocks"
	ChallengeFileHash      ChallengeKind = "file-hash"
	ChallengeMetadataProof ChallengeKind = "metadata-proof"
)

// ChallengeStatus tracks a challenge's lifecycle.
type ChallengeStatus string

const (
	ChallengeIssued    ChallengeStatus = "issued"
	ChallengeSucceeded ChallengeStatus = "succeeded"
	ChallengeFailed    ChallengeStatus = "failed"
	ChallengeTimedOut  ChallengeStatus = "timed-out"
)

// VerificationChallenge is a persisted record of one storage proof round.
type VerificationChallenge struct {
	ID              string
	BackupID        string
	PeerIDHash      string
	Kind            ChallengeKind
	ChallengeData   []byte // encrypted at rest; kind-specific parameters, JSON
	ResponseData    []byte // encrypted at rest; the proof, JSON
	Status          ChallengeStatus
	IssuedAt        int64
	ExpiresAt       int64
	ResponseTimeMs  int64
}

// TransferSession tracks one logical transfer (a backup in flight).
type TransferSession struct {
	ID         string
	BackupID   string
	PeerIDHash string
	Status     BackupStatus
	CreatedAt  int64
	UpdatedAt  int64
}

// CachedPeerConnection is a resumable-session record for fast reconnect.
type CachedPeerConnection struct {
	PeerIDHash         string
	PublicKey          []byte // encrypted at rest
	SessionBlob        []byte // encrypted at rest
	MetadataJSON       string // encrypted at rest
	LastSeen           int64
	TrustLevel         string
	TotalAttempts      int
	SuccessfulAttempts int
	LastSuccessAt      int64
}

// SyncSchedule tracks when a backup is next due for a verification
// challenge.
type SyncSchedule struct {
	BackupID     string
	PeerIDHash   string
	NextSyncTime int64
	CadenceMs    int64
}

// StoreStats is the aggregate statistics surface used by the reputation
// engine and UI collaborators, grounded on mesh.Tracker's TrackerStats.
type StoreStats struct {
	BackupsByDirection map[Direction]int
	BytesByDirection   map[Direction]int64
	PeersByTrustLevel  map[string]int
}
