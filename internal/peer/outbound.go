package peer

import (
	"encoding/json"

	"github.com/ssd-technologies/backup-peer/internal/transfer"
	"github.com/ssd-technologies/backup-peer/internal/transport"
	"github.com/ssd-technologies/backup-peer/internal/verification"
)

// SessionSender adapts one connected transport.Session into the distinct
// outbound interfaces transfer and verification each depend on, so both
// packages stay ignorant of transport and of each other.
type SessionSender struct {
	session *transport.Session
}

// NewSessionSender wraps session for outbound use by transfer and
// verification.
func NewSessionSender(session *transport.Session) *SessionSender {
	return &SessionSender{session: session}
}

func (s *SessionSender) sendEnvelope(kind Kind, payload any) error {
	env, err := marshalEnvelope(kind, payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.session.Send(body)
}

// Send implements transfer.Sender by re-wrapping a transfer envelope in
// the outer peer.Envelope before writing it to the channel.
func (s *SessionSender) Send(env transfer.Envelope) error {
	return s.sendEnvelope(Kind(env.Type), json.RawMessage(env.Payload))
}

// SendChallenge implements verification.ChallengeSender.
func (s *SessionSender) SendChallenge(_ string, c verification.Challenge) error {
	return s.sendEnvelope(KindStorageChallenge, c)
}

// SendProof implements verification.ProofSender.
func (s *SessionSender) SendProof(_ string, p verification.Proof) error {
	return s.sendEnvelope(KindStorageProof, p)
}
