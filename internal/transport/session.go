// Package transport implements the peer channel session state machine:
// idle, matching, handshaking, connected, reconnecting, closed. Matching is
// delegated to the signaling broker (introduction only, never data or
// keys); handshaking exchanges signed peer identities and session proofs
// over the freshly established channel; connected sessions run a keepalive
// task and reconnect with backoff on disconnect. Grounded on the
// write-mutex-plus-read-loop connection idiom and background-worker
// ctx.Done() idiom in internal/dht.Transport and internal/server.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/backup-peer/internal/applog"
	"github.com/ssd-technologies/backup-peer/internal/crypto"
)

// State is one node of the session life cycle.
type State string

const (
	StateIdle          State = "idle"
	StateMatching      State = "matching"
	StateHandshaking   State = "handshaking"
	StateConnected     State = "connected"
	StateReconnecting  State = "reconnecting"
	StateClosed        State = "closed"
)

// ErrorKind discriminates transport failures per spec §7's TransportError
// taxonomy.
type ErrorKind string

const (
	ErrMatchingTimeout    ErrorKind = "matching-timeout"
	ErrChannelClosed      ErrorKind = "channel-closed"
	ErrBackpressureTimeout ErrorKind = "backpressure-timeout"
	ErrBadIdentity        ErrorKind = "bad-identity"
)

// Error wraps a transport failure with a stable discriminant.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("transport: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op string, kind ErrorKind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

const (
	keepaliveInterval  = 30 * time.Second
	missedAcksToDisconnect = 2
	maxReconnectAttempts   = 5
	reconnectBase          = 1 * time.Second
	cachedSessionFreshness = 1 * time.Hour
)

// Channel abstracts the raw peer connection so Session can be tested
// without a live websocket. A *wsChannel satisfies this over
// gorilla/websocket; the signaling-negotiated peer-to-peer link is assumed
// to already be established by the caller (WebRTC data channel setup is
// this module's signaling collaborator's concern beyond introduction).
type Channel interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// wsChannel adapts a *websocket.Conn to Channel with a write mutex, since
// gorilla/websocket connections do not support concurrent writers.
type wsChannel struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// NewWebSocketChannel wraps an established websocket connection.
func NewWebSocketChannel(conn *websocket.Conn) Channel {
	return &wsChannel{conn: conn}
}

func (c *wsChannel) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsChannel) WriteMessage(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Close() error {
	return c.conn.Close()
}

// handshakeFrame is the JSON frame each side writes and reads during
// Establish: its signed peer identity and a fresh session proof. It is
// used only for the identity exchange — the dispatcher owns the full
// message union.
type handshakeFrame struct {
	Identity *crypto.SignedIdentity `json:"identity"`
	Proof    *crypto.SessionProof   `json:"proof"`
}

// CachedSession is the resumable-session material a Session checks before
// falling back to signaling on reconnect.
type CachedSession struct {
	PeerIDHash string
	LastSeen   time.Time
}

// Dependencies bundles what a Session needs from its collaborators,
// replacing process-wide singletons with an explicit bundle passed at
// construction.
type Dependencies struct {
	KeyManager *crypto.KeyManager
	Logger     applog.Logger

	// OnDisconnect is called when a connected session detects the peer is
	// gone (keepalive timeout or channel error). Reconnect logic lives in
	// Session.Run; this hook lets the caller record the event elsewhere
	// (e.g. reputation).
	OnDisconnect func(peerIDHash string)

	// OnBadIdentity is called when handshake verification fails, before
	// the session moves to StateClosed.
	OnBadIdentity func(peerIDHash string, err error)

	// LookupCachedSession returns a cached resumable session for
	// peerIDHash if one exists and was last seen within
	// cachedSessionFreshness.
	LookupCachedSession func(peerIDHash string) (*CachedSession, bool)

	// Redial re-establishes the raw Channel to peerIDHash, either via a
	// cached session's transport hint or via the signaling collaborator
	// as a fallback. Returns the new Channel or an error.
	Redial func(ctx context.Context, peerIDHash string) (Channel, error)
}

// Session is one peer channel's state machine.
type Session struct {
	deps Dependencies

	mu    sync.Mutex
	state State

	peerIDHash string
	channel    Channel
	peerIdent  *crypto.SignedIdentity

	missedAcks int
}

// NewSession creates a Session in StateIdle.
func NewSession(deps Dependencies) *Session {
	return &Session{deps: deps, state: StateIdle}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// PeerIDHash returns the counterparty's peer-id-hash once known (after a
// successful handshake).
func (s *Session) PeerIDHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerIDHash
}

// Establish moves the session from idle through matching (the caller has
// already obtained a raw Channel from signaling introduction) into
// handshaking, verifying the counterparty's signed identity and session
// proof. On success the session is StateConnected; on failure it is
// StateClosed and OnBadIdentity fires.
func (s *Session) Establish(ch Channel, capabilities []string) error {
	s.setState(StateMatching)
	s.channel = ch
	s.setState(StateHandshaking)

	ourIdentity, err := s.deps.KeyManager.SignedIdentity(capabilities)
	if err != nil {
		return s.failHandshake("", newError("establish", ErrBadIdentity, err))
	}
	ourProof, err := s.deps.KeyManager.GenerateSessionProof("")
	if err != nil {
		return s.failHandshake("", newError("establish", ErrBadIdentity, err))
	}

	outFrame := handshakeFrame{Identity: ourIdentity, Proof: ourProof}
	outBytes, err := json.Marshal(outFrame)
	if err != nil {
		return s.failHandshake("", newError("establish", ErrBadIdentity, err))
	}
	if err := ch.WriteMessage(outBytes); err != nil {
		return s.failHandshake("", newError("establish", ErrChannelClosed, err))
	}

	inBytes, err := ch.ReadMessage()
	if err != nil {
		return s.failHandshake("", newError("establish", ErrChannelClosed, err))
	}
	var inFrame handshakeFrame
	if err := json.Unmarshal(inBytes, &inFrame); err != nil {
		return s.failHandshake("", newError("establish", ErrBadIdentity, err))
	}

	verification, err := crypto.VerifyIdentity(inFrame.Identity, time.Now())
	if err != nil {
		return s.failHandshake(inFrame.Identity.PeerIDHash, newError("establish", ErrBadIdentity, err))
	}
	if err := crypto.VerifySessionProof(inFrame.Proof, verification.PublicKey, time.Now()); err != nil {
		return s.failHandshake(inFrame.Identity.PeerIDHash, newError("establish", ErrBadIdentity, err))
	}

	s.mu.Lock()
	s.peerIDHash = inFrame.Identity.PeerIDHash
	s.peerIdent = inFrame.Identity
	s.state = StateConnected
	s.missedAcks = 0
	s.mu.Unlock()

	return nil
}

func (s *Session) failHandshake(peerIDHash string, err error) error {
	s.setState(StateClosed)
	if s.deps.OnBadIdentity != nil {
		s.deps.OnBadIdentity(peerIDHash, err)
	}
	return err
}

// PeerIdentity returns the verified counterparty identity, or nil before a
// successful handshake.
func (s *Session) PeerIdentity() *crypto.SignedIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerIdent
}

// Send writes a raw frame to the channel. A write failure marks the
// session for reconnect rather than returning to the caller as fatal,
// matching spec §4.7's "send failure marks the session for reconnect".
func (s *Session) Send(frame []byte) error {
	s.mu.Lock()
	ch := s.channel
	state := s.state
	s.mu.Unlock()

	if state != StateConnected || ch == nil {
		return newError("send", ErrChannelClosed, fmt.Errorf("session not connected"))
	}
	if err := ch.WriteMessage(frame); err != nil {
		s.setState(StateReconnecting)
		return newError("send", ErrChannelClosed, err)
	}
	return nil
}

// pingFrame and pongFrame are minimal keepalive envelopes; the dispatcher's
// full message union (internal/peer) defines the wire format these ride
// inside of. The session only needs to recognize its own pong acks.
type pingFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// RunKeepalive sends a ping every keepaliveInterval while connected. The
// ping frame carries only its type and a timestamp; it is not signed.
// ackObserved is polled by the caller (the dispatcher records pong arrival
// and resets it) — this loop only measures elapsed intervals without an
// ack and triggers disconnect at missedAcksToDisconnect.
func (s *Session) RunKeepalive(ctx context.Context, ackObserved func() bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(keepaliveInterval):
		}

		if s.State() != StateConnected {
			return
		}

		frame, _ := json.Marshal(pingFrame{Type: "ping", Timestamp: time.Now().Unix()})
		if err := s.Send(frame); err != nil {
			s.triggerDisconnect()
			return
		}

		if ackObserved() {
			s.mu.Lock()
			s.missedAcks = 0
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		s.missedAcks++
		missed := s.missedAcks
		s.mu.Unlock()

		if missed >= missedAcksToDisconnect {
			s.triggerDisconnect()
			return
		}
	}
}

func (s *Session) triggerDisconnect() {
	peerIDHash := s.PeerIDHash()
	s.setState(StateReconnecting)
	if s.deps.OnDisconnect != nil {
		s.deps.OnDisconnect(peerIDHash)
	}
}

// Reconnect attempts up to maxReconnectAttempts reconnections with
// exponential backoff (base 1s, doubling), preferring cached session
// resumption against peers last seen within cachedSessionFreshness,
// otherwise falling back to signaling via deps.Redial. Returns the new
// Channel on success.
func (s *Session) Reconnect(ctx context.Context, peerIDHash string) (Channel, error) {
	s.setState(StateReconnecting)

	if cached, ok := s.deps.LookupCachedSession(peerIDHash); ok {
		if time.Since(cached.LastSeen) <= cachedSessionFreshness {
			if ch, err := s.deps.Redial(ctx, peerIDHash); err == nil {
				s.mu.Lock()
				s.channel = ch
				s.state = StateConnected
				s.mu.Unlock()
				return ch, nil
			}
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		delay := reconnectBase
		for i := 0; i < attempt; i++ {
			delay *= 2
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		ch, err := s.deps.Redial(ctx, peerIDHash)
		if err == nil {
			s.mu.Lock()
			s.channel = ch
			s.state = StateConnected
			s.mu.Unlock()
			return ch, nil
		}
		lastErr = err
		if s.deps.Logger != nil {
			s.deps.Logger.Warnf("transport: reconnect attempt %d to %s failed: %v", attempt+1, peerIDHash, err)
		}
	}

	s.setState(StateClosed)
	return nil, newError("reconnect", ErrChannelClosed, fmt.Errorf("exhausted %d attempts: %w", maxReconnectAttempts, lastErr))
}

// Close cancels all in-flight work and moves the session to StateClosed.
// Per spec §4.6, closing cancels in-flight transfers (they remain
// resumable via their persisted chunk state) and drains any dispatcher
// queue — both of which are the dispatcher's responsibility once it
// observes StateClosed; Session itself only tears down the channel.
func (s *Session) Close() error {
	s.mu.Lock()
	ch := s.channel
	s.state = StateClosed
	s.mu.Unlock()

	if ch != nil {
		return ch.Close()
	}
	return nil
}
