// Package peer implements the single inbound dispatcher that sits behind
// a connected transport session: it decodes the wire's tagged-union
// envelope once, checks the peer is not banned and within its rate
// budget, then routes the decoded variant to keepalive, transfer, or
// verification handling. Grounded on the ordered decode-route pipeline in
// internal/dht's message.go and node.go.
package peer

import "encoding/json"

// Kind is the full wire discriminator, covering every message type a
// connected session may exchange — the closed tagged union named by the
// channel wire format.
type Kind string

const (
	KindPeerIdentity Kind = "peer_identity"
	KindPing         Kind = "ping"
	KindPong         Kind = "pong"

	KindStorageCommitment Kind = "storage_commitment"
	KindStorageChallenge  Kind = "storage_challenge"
	KindStorageProof      Kind = "storage_proof"

	KindBackupStart     Kind = "backup_start"
	KindFileStart       Kind = "file_start"
	KindFileStartAck    Kind = "file_start_ack"
	KindFileChunk       Kind = "file_chunk"
	KindChunkAck        Kind = "chunk_ack"
	KindFileComplete    Kind = "file_complete"
	KindFileCompleteAck Kind = "file_complete_ack"
	KindBackupComplete  Kind = "backup_complete"
)

// Envelope is the outer frame every message on the wire is decoded into
// exactly once, at the dispatcher boundary; every handler downstream
// receives an already-decoded variant, never raw bytes.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PingPayload is sent by the keepalive task every 30 seconds.
type PingPayload struct {
	Timestamp int64 `json:"ts"`
}

// PongPayload answers a ping, echoing its timestamp so the sender can
// measure round-trip latency.
type PongPayload struct {
	OriginalTimestamp int64  `json:"original_ts"`
	PeerIDHash        string `json:"peer_id_hash"`
}

func marshalEnvelope(kind Kind, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: kind, Payload: body}, nil
}

var transferKinds = map[Kind]bool{
	KindBackupStart:     true,
	KindFileStart:       true,
	KindFileStartAck:    true,
	KindFileChunk:       true,
	KindChunkAck:        true,
	KindFileComplete:    true,
	KindFileCompleteAck: true,
	KindBackupComplete:  true,
}

var verificationKinds = map[Kind]bool{
	KindStorageCommitment: true,
	KindStorageChallenge:  true,
	KindStorageProof:      true,
}

func isTransferKind(k Kind) bool     { return transferKinds[k] }
func isVerificationKind(k Kind) bool { return verificationKinds[k] }
