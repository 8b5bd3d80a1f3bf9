package verification

import "time"

// ProofSender delivers one outbound storage_proof back to the challenger.
type ProofSender interface {
	SendProof(peerIDHash string, p Proof) error
}

// Responder is the custodian side of the protocol: it answers challenges
// issued by a peer against the bytes it is actually holding for them.
type Responder struct {
	provider BackupMetadataProvider
	sender   ProofSender
}

// NewResponder creates a Responder backed by provider (typically a
// DiskProvider, since the custodian must prove present possession).
func NewResponder(provider BackupMetadataProvider, sender ProofSender) *Responder {
	return &Responder{provider: provider, sender: sender}
}

// HandleChallenge answers an inbound storage_challenge from peerIDHash.
func (r *Responder) HandleChallenge(peerIDHash string, c Challenge, now time.Time) error {
	proof := RespondToChallenge(r.provider, c, now)
	return r.sender.SendProof(peerIDHash, proof)
}
