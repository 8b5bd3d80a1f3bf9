package verification

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

type fakeProvider struct {
	chunkHashes map[int]string
	chunkSizes  map[int]int64
	fileHashes  map[string]string
	fileCount   int
}

func (p *fakeProvider) ChunkCount(string) (int, error) { return len(p.chunkHashes), nil }

func (p *fakeProvider) ChunkHash(_ string, index int) (string, int64, error) {
	h, ok := p.chunkHashes[index]
	if !ok {
		return "", 0, fmt.Errorf("no chunk %d", index)
	}
	return h, p.chunkSizes[index], nil
}

func (p *fakeProvider) FileList(string) ([]string, error) {
	paths := make([]string, 0, len(p.fileHashes))
	for k := range p.fileHashes {
		paths = append(paths, k)
	}
	return paths, nil
}

func (p *fakeProvider) FileHash(_ string, relativePath string) (string, error) {
	h, ok := p.fileHashes[relativePath]
	if !ok {
		return "", fmt.Errorf("no file %q", relativePath)
	}
	return h, nil
}

func (p *fakeProvider) FileCount(string) (int, error) { return p.fileCount, nil }

func TestRandomBlocksChallenge_RoundTripSucceeds(t *testing.T) {
	provider := &fakeProvider{
		chunkHashes: map[int]string{0: "h0", 1: "h1", 2: "h2"},
		chunkSizes:  map[int]int64{0: 10, 1: 10, 2: 4},
	}
	now := time.Unix(1_700_000_000, 0)

	c, err := NewRandomBlocksChallenge("c1", "b1", 3, now)
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	if c.Kind != KindRandomBlocks {
		t.Fatalf("expected random-blocks kind, got %s", c.Kind)
	}
	if c.ExpiresAt-c.IssuedAt != int64(challengeWindow.Seconds()) {
		t.Fatalf("expected 5 minute window, got %d seconds", c.ExpiresAt-c.IssuedAt)
	}

	proof := RespondToChallenge(provider, c, now.Add(time.Second))
	if proof.Error != "" {
		t.Fatalf("unexpected proof error: %s", proof.Error)
	}

	if err := VerifyProof(provider, c, proof); err != nil {
		t.Fatalf("expected proof to verify, got %v", err)
	}
}

func TestRandomBlocksChallenge_TamperedProofFails(t *testing.T) {
	provider := &fakeProvider{
		chunkHashes: map[int]string{0: "h0", 1: "h1"},
		chunkSizes:  map[int]int64{0: 10, 1: 10},
	}
	now := time.Unix(1_700_000_000, 0)

	c, err := NewRandomBlocksChallenge("c2", "b1", 2, now)
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	proof := RespondToChallenge(provider, c, now)
	if len(proof.ChunkProofs) == 0 {
		t.Fatalf("expected chunk proofs")
	}
	proof.ChunkProofs[0].Hash = "tampered"

	err = VerifyProof(provider, c, proof)
	if err == nil {
		t.Fatalf("expected tampered proof to fail verification")
	}
	verr, ok := err.(*Error)
	if !ok || verr.Kind != ErrProofMismatch {
		t.Fatalf("expected ErrProofMismatch, got %v", err)
	}
}

func TestRandomBlocksChallenge_SubstitutedIndexFails(t *testing.T) {
	provider := &fakeProvider{
		chunkHashes: map[int]string{0: "h0", 1: "h1", 2: "h2"},
		chunkSizes:  map[int]int64{0: 10, 1: 10, 2: 4},
	}
	now := time.Unix(1_700_000_000, 0)

	c, err := NewRandomBlocksChallenge("c7", "b1", 3, now)
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	var params RandomBlocksParams
	if err := json.Unmarshal(c.Params, &params); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if len(params.ChunkIndices) == 0 {
		t.Fatalf("expected at least one challenged index")
	}

	// Respond with a proof for a chunk that was never challenged, dressed
	// up as if it satisfied the full set.
	substituted := (params.ChunkIndices[0] + 1) % len(provider.chunkHashes)
	hash, size, _ := provider.ChunkHash("b1", substituted)
	proof := Proof{
		ChallengeID: c.ID, BackupID: c.BackupID, Kind: c.Kind,
		ChunkProofs: []ChunkProof{{ChunkIndex: substituted, Hash: hash, Size: size}},
	}
	for i := 1; i < len(params.ChunkIndices); i++ {
		h, s, _ := provider.ChunkHash("b1", params.ChunkIndices[i])
		proof.ChunkProofs = append(proof.ChunkProofs, ChunkProof{ChunkIndex: params.ChunkIndices[i], Hash: h, Size: s})
	}

	err = VerifyProof(provider, c, proof)
	if err == nil {
		t.Fatalf("expected substituted chunk index to fail verification")
	}
	verr, ok := err.(*Error)
	if !ok || verr.Kind != ErrProofMismatch {
		t.Fatalf("expected ErrProofMismatch, got %v", err)
	}
}

func TestFileHashChallenge_OmittedProofsFail(t *testing.T) {
	provider := &fakeProvider{
		fileHashes: map[string]string{"a.txt": "ha", "b.txt": "hb"},
	}
	now := time.Unix(1_700_000_000, 0)

	c, err := NewFileHashChallenge("c8", "b2", []string{"a.txt", "b.txt"}, now)
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}

	// A custodian submitting zero file proofs must not pass verification.
	empty := Proof{ChallengeID: c.ID, BackupID: c.BackupID, Kind: c.Kind}
	err = VerifyProof(provider, c, empty)
	if err == nil {
		t.Fatalf("expected empty file proof set to fail verification")
	}
	verr, ok := err.(*Error)
	if !ok || verr.Kind != ErrProofMismatch {
		t.Fatalf("expected ErrProofMismatch, got %v", err)
	}

	// A custodian proving only part of the challenged file set must also fail.
	partial := Proof{
		ChallengeID: c.ID, BackupID: c.BackupID, Kind: c.Kind,
		FileProofs: []FileProof{{RelativePath: "a.txt", Hash: "ha"}},
	}
	err = VerifyProof(provider, c, partial)
	if err == nil {
		t.Fatalf("expected partial file proof set to fail verification")
	}
}

func TestChallenge_ExpiredIsRejected(t *testing.T) {
	provider := &fakeProvider{chunkHashes: map[int]string{0: "h0"}, chunkSizes: map[int]int64{0: 10}}
	now := time.Unix(1_700_000_000, 0)
	c, err := NewRandomBlocksChallenge("c3", "b1", 1, now)
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}

	later := now.Add(6 * time.Minute)
	proof := RespondToChallenge(provider, c, later)
	if proof.Error != string(ErrChallengeExpired) {
		t.Fatalf("expected expired proof error, got %q", proof.Error)
	}
}

func TestFileHashChallenge_RoundTrip(t *testing.T) {
	provider := &fakeProvider{
		fileHashes: map[string]string{"a.txt": "ha", "b.txt": "hb"},
	}
	now := time.Unix(1_700_000_000, 0)

	c, err := NewFileHashChallenge("c4", "b2", []string{"a.txt", "b.txt"}, now)
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	proof := RespondToChallenge(provider, c, now)
	if err := VerifyProof(provider, c, proof); err != nil {
		t.Fatalf("expected proof to verify: %v", err)
	}
}

func TestMetadataProofChallenge_RoundTrip(t *testing.T) {
	provider := &fakeProvider{fileCount: 42}
	now := time.Unix(1_700_000_000, 0)
	var nonce [32]byte
	copy(nonce[:], []byte("deterministic-test-nonce-bytes!"))

	c, err := NewMetadataProofChallenge("c5", "b3", nonce, now)
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	proof := RespondToChallenge(provider, c, now)
	if proof.MetadataHash == "" {
		t.Fatalf("expected metadata hash to be set")
	}
	if err := VerifyProof(provider, c, proof); err != nil {
		t.Fatalf("expected proof to verify: %v", err)
	}

	// A different file count at verification time (a fresh mismatch) must fail.
	staleProvider := &fakeProvider{fileCount: 43}
	if err := VerifyProof(staleProvider, c, proof); err == nil {
		t.Fatalf("expected verification against a different file count to fail")
	}
}

func TestChallenge_ParamsRoundTripJSON(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c, err := NewRandomBlocksChallenge("c6", "b4", 5, now)
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	body, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Challenge
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != c.ID || decoded.Kind != c.Kind {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, c)
	}
}
