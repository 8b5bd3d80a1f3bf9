package verification

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ssd-technologies/backup-peer/internal/crypto"
	"github.com/ssd-technologies/backup-peer/internal/store"
)

// StoreProvider answers BackupMetadataProvider queries from the metadata
// this node itself recorded when it originally sent a backup — used on the
// challenger side, which never needs to re-read file bytes because it
// already hashed them once at send time.
type StoreProvider struct {
	db *store.DB
}

// NewStoreProvider wraps db as a BackupMetadataProvider.
func NewStoreProvider(db *store.DB) *StoreProvider {
	return &StoreProvider{db: db}
}

func (p *StoreProvider) ChunkCount(backupID string) (int, error) {
	states, err := p.db.ListChunkStates(backupID)
	if err != nil {
		return 0, err
	}
	return len(states), nil
}

func (p *StoreProvider) ChunkHash(backupID string, index int) (string, int64, error) {
	states, err := p.db.ListChunkStates(backupID)
	if err != nil {
		return "", 0, err
	}
	for _, s := range states {
		if s.ChunkIndex == index {
			return s.ChunkHash, s.ChunkSize, nil
		}
	}
	return "", 0, fmt.Errorf("no recorded chunk state for index %d", index)
}

func (p *StoreProvider) FileList(backupID string) ([]string, error) {
	files, err := p.db.ListBackupFiles(backupID)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.RelativePath)
	}
	return paths, nil
}

func (p *StoreProvider) FileHash(backupID, relativePath string) (string, error) {
	files, err := p.db.ListBackupFiles(backupID)
	if err != nil {
		return "", err
	}
	for _, f := range files {
		if f.RelativePath == relativePath {
			return f.SHA256, nil
		}
	}
	return "", fmt.Errorf("no recorded file %q in backup %s", relativePath, backupID)
}

func (p *StoreProvider) FileCount(backupID string) (int, error) {
	files, err := p.db.ListBackupFiles(backupID)
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

// DiskProvider answers BackupMetadataProvider queries by re-reading the
// actual bytes this node is custodying for a peer, proving present
// possession rather than recalling a past record. Used on the custodian
// side of a challenge.
type DiskProvider struct {
	db             *store.DB
	destinationDir func(backupID string) string
	chunkSize      int
}

// NewDiskProvider creates a DiskProvider reading from destinationDir(backupID).
func NewDiskProvider(db *store.DB, destinationDir func(backupID string) string, chunkSize int) *DiskProvider {
	return &DiskProvider{db: db, destinationDir: destinationDir, chunkSize: chunkSize}
}

func (p *DiskProvider) ChunkCount(backupID string) (int, error) {
	return (&StoreProvider{db: p.db}).ChunkCount(backupID)
}

func (p *DiskProvider) FileCount(backupID string) (int, error) {
	return (&StoreProvider{db: p.db}).FileCount(backupID)
}

func (p *DiskProvider) FileList(backupID string) ([]string, error) {
	return (&StoreProvider{db: p.db}).FileList(backupID)
}

// ChunkHash re-reads a single fixed-size chunk from the first file on disk
// and hashes it fresh. Backups held in single-file-per-chunk-space form
// (see internal/store's ChunkState scoping) make "the file" unambiguous:
// the one file currently associated with the backup's chunk ledger.
func (p *DiskProvider) ChunkHash(backupID string, index int) (string, int64, error) {
	files, err := p.db.ListBackupFiles(backupID)
	if err != nil {
		return "", 0, err
	}
	if len(files) == 0 {
		return "", 0, fmt.Errorf("no files recorded for backup %s", backupID)
	}
	path := filepath.Join(p.destinationDir(backupID), filepath.FromSlash(files[0].RelativePath))
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	buf := make([]byte, p.chunkSize)
	n, err := f.ReadAt(buf, int64(index)*int64(p.chunkSize))
	if n == 0 && err != nil {
		return "", 0, err
	}
	chunk := buf[:n]
	return crypto.HashBytes(chunk), int64(n), nil
}

func (p *DiskProvider) FileHash(backupID, relativePath string) (string, error) {
	path := filepath.Join(p.destinationDir(backupID), filepath.FromSlash(relativePath))
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return crypto.HashReader(f)
}
