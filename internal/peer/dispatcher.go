package peer

import (
	"encoding/json"
	"time"

	"github.com/ssd-technologies/backup-peer/internal/allocation"
	"github.com/ssd-technologies/backup-peer/internal/applog"
	"github.com/ssd-technologies/backup-peer/internal/crypto"
	"github.com/ssd-technologies/backup-peer/internal/ratelimit"
	"github.com/ssd-technologies/backup-peer/internal/reputation"
	"github.com/ssd-technologies/backup-peer/internal/store"
	"github.com/ssd-technologies/backup-peer/internal/transfer"
	"github.com/ssd-technologies/backup-peer/internal/transport"
	"github.com/ssd-technologies/backup-peer/internal/verification"
)

// ackKinds are transfer-kind messages that answer a send already in
// flight; they are delivered to the transfer Router rather than to
// Inbound, which only ever handles the sender's side of an exchange.
var ackKinds = map[Kind]bool{
	KindFileStartAck:    true,
	KindChunkAck:        true,
	KindFileCompleteAck: true,
}

// Dispatcher is the single inbound message path behind one connected
// session: decode once, check admission, route. Grounded on internal/dht's
// node.go message loop, generalized from its single gossip
// concern to this module's transfer/verification/keepalive concerns. A
// backup request is refused before Inbound ever sees it if accepting it
// would violate the allocation ledger's give-to-get bound.
type Dispatcher struct {
	session *transport.Session
	limiter *ratelimit.Limiter

	router    *transfer.Router
	inbound   *transfer.Inbound
	responder *verification.Responder
	scheduler *verification.Scheduler

	rep    *reputation.Engine
	logger applog.Logger

	db         *store.DB
	keyManager *crypto.KeyManager
	sender     *SessionSender
	ledger     *allocation.Ledger

	// bytesOffered and availabilityTerms describe what this node commits
	// to the peer for backups it custodies; set once at session setup.
	bytesOffered      int64
	availabilityTerms string

	droppedMalformed int
}

// NewDispatcher wires a Dispatcher for one connected session.
func NewDispatcher(session *transport.Session, limiter *ratelimit.Limiter, router *transfer.Router, inbound *transfer.Inbound, responder *verification.Responder, scheduler *verification.Scheduler, rep *reputation.Engine, logger applog.Logger, db *store.DB, keyManager *crypto.KeyManager, sender *SessionSender, ledger *allocation.Ledger, bytesOffered int64, availabilityTerms string) *Dispatcher {
	return &Dispatcher{
		session: session, limiter: limiter,
		router: router, inbound: inbound, responder: responder, scheduler: scheduler,
		rep: rep, logger: logger,
		db: db, keyManager: keyManager, sender: sender, ledger: ledger,
		bytesOffered: bytesOffered, availabilityTerms: availabilityTerms,
	}
}

// SendStorageCommitment builds and sends this node's own storage
// commitment, meant to be called once a session reaches connected.
func (d *Dispatcher) SendStorageCommitment() error {
	c := verification.BuildCommitment(d.keyManager, d.bytesOffered, d.availabilityTerms, time.Now())
	return d.sender.sendEnvelope(KindStorageCommitment, c)
}

// Dispatch decodes one inbound frame and routes it per the ordered
// pipeline: decode, ban check, rate limit, direct/transfer/verification
// routing, else a logged drop. It never returns an error that should close
// the session — CryptoError is the only thing that does, and it is raised
// and handled entirely within the handshake, before a Dispatcher exists.
func (d *Dispatcher) Dispatch(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.droppedMalformed++
		d.logger.Warnf("peer: dropping malformed frame: %v", newError(ErrMalformed, err))
		return
	}

	peerIDHash := d.session.PeerIDHash()
	if d.limiter.Banned(peerIDHash) {
		d.logger.Warnf("peer: dropping message from banned peer %s", peerIDHash)
		return
	}

	decision := d.limiter.Allow(peerIDHash, string(env.Type))
	if !decision.Allowed {
		d.logger.Warnf("peer: rate limit denied peer %s kind %s reason %s", peerIDHash, env.Type, decision.Reason)
		return
	}

	switch {
	case env.Type == KindPing:
		d.handlePing(env)
	case env.Type == KindPong:
		d.handlePong(env)
	case env.Type == KindPeerIdentity:
		d.logger.Debugf("peer: ignoring post-handshake peer_identity from %s", peerIDHash)
	case isTransferKind(env.Type):
		d.routeTransfer(peerIDHash, env)
	case isVerificationKind(env.Type):
		d.routeVerification(peerIDHash, env)
	default:
		d.logger.Warnf("peer: %v", newError(ErrUnknownType, nil))
	}
}

func (d *Dispatcher) handlePing(env Envelope) {
	var p PingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		d.logger.Warnf("peer: %v", newError(ErrMalformed, err))
		return
	}
	pong, err := marshalEnvelope(KindPong, PongPayload{OriginalTimestamp: p.Timestamp, PeerIDHash: d.session.PeerIDHash()})
	if err != nil {
		d.logger.Warnf("peer: marshal pong: %v", err)
		return
	}
	body, err := json.Marshal(pong)
	if err != nil {
		d.logger.Warnf("peer: marshal pong envelope: %v", err)
		return
	}
	if err := d.session.Send(body); err != nil {
		d.logger.Warnf("peer: send pong: %v", err)
	}
}

func (d *Dispatcher) handlePong(env Envelope) {
	var p PongPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		d.logger.Warnf("peer: %v", newError(ErrMalformed, err))
		return
	}
	latency := time.Since(time.Unix(p.OriginalTimestamp, 0))
	d.logger.Debugf("peer: measured round-trip latency to %s: %s", d.session.PeerIDHash(), latency)
}

func (d *Dispatcher) routeTransfer(peerIDHash string, env Envelope) {
	tEnv := transfer.Envelope{Type: transfer.Kind(env.Type), Payload: env.Payload}

	if ackKinds[env.Type] {
		d.router.Deliver(tEnv)
		return
	}

	var err error
	switch env.Type {
	case KindFileStart:
		var p transfer.FileStartPayload
		if jsonErr := json.Unmarshal(env.Payload, &p); jsonErr != nil {
			d.logger.Warnf("peer: %v", newError(ErrMalformed, jsonErr))
			return
		}
		// A file we agree to custody is storage consumed from the sender's
		// offer to us; admission must hold before any bytes are accepted.
		if acceptErr := d.ledger.AcceptOrError(peerIDHash, p.FileSize); acceptErr != nil {
			d.logger.Warnf("peer: refusing backup from %s: %v", peerIDHash, acceptErr)
			return
		}
		err = d.inbound.HandleFileStart(p)
	case KindFileChunk:
		var p transfer.FileChunkPayload
		if jsonErr := json.Unmarshal(env.Payload, &p); jsonErr != nil {
			d.logger.Warnf("peer: %v", newError(ErrMalformed, jsonErr))
			return
		}
		err = d.inbound.HandleFileChunk(p)
	case KindFileComplete:
		var p transfer.FileCompletePayload
		if jsonErr := json.Unmarshal(env.Payload, &p); jsonErr != nil {
			d.logger.Warnf("peer: %v", newError(ErrMalformed, jsonErr))
			return
		}
		err = d.inbound.HandleFileComplete(p)
	case KindBackupStart, KindBackupComplete:
		// Backup-level framing is bookkeeping only; the store already
		// tracks per-file status as files complete.
		return
	default:
		d.logger.Warnf("peer: %v", newError(ErrUnknownType, nil))
		return
	}
	if err != nil {
		d.logger.Warnf("peer: transfer handling from %s failed: %v", peerIDHash, err)
	}
}

func (d *Dispatcher) routeVerification(peerIDHash string, env Envelope) {
	now := time.Now()
	switch env.Type {
	case KindStorageChallenge:
		var c verification.Challenge
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			d.logger.Warnf("peer: %v", newError(ErrMalformed, err))
			return
		}
		if err := d.responder.HandleChallenge(peerIDHash, c, now); err != nil {
			d.logger.Warnf("peer: responding to challenge from %s: %v", peerIDHash, err)
		}
	case KindStorageProof:
		var p verification.Proof
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			d.logger.Warnf("peer: %v", newError(ErrMalformed, err))
			return
		}
		if err := d.scheduler.HandleProof(peerIDHash, p, now); err != nil {
			d.logger.Warnf("peer: verification failed for %s: %v", peerIDHash, err)
		}
	case KindStorageCommitment:
		var c store.StorageCommitment
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			d.logger.Warnf("peer: %v", newError(ErrMalformed, err))
			return
		}
		ident := d.session.PeerIdentity()
		if ident == nil {
			d.logger.Warnf("peer: storage commitment from %s before identity was established", peerIDHash)
			return
		}
		// Each side sends its own commitment once via SendStorageCommitment
		// when the session connects; receipt here only verifies and
		// persists the peer's side, it never triggers a reply.
		if _, err := verification.ExchangeStorageCommitments(d.db, d.keyManager, peerIDHash, &c, ident.PublicKey, d.bytesOffered, d.availabilityTerms, now); err != nil {
			d.logger.Warnf("peer: rejecting storage commitment from %s: %v", peerIDHash, err)
		}
	default:
		d.logger.Warnf("peer: %v", newError(ErrUnknownType, nil))
	}
}
