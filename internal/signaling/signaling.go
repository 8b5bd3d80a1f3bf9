// Package signaling implements a thin client for the external signaling
// broker: matchmaking only, authoritative for introduction, never for data
// or keys. Grounded on the write-mutex-plus-read-loop connection idiom in
// internal/dht.Transport, adapted from a peer-to-peer mesh transport into a
// single client connection to one broker.
package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Kind discriminates signaling message types per spec §6.
type Kind string

const (
	KindHostSlot          Kind = "host-slot"
	KindSlotHosted         Kind = "slot-hosted"
	KindConnectToPeer      Kind = "connect-to-peer"
	KindConnectionRequest  Kind = "connection-request"
	KindAcceptConnection   Kind = "accept-connection"
	KindPeerMatched        Kind = "peer-matched"
	KindConnectionRejected Kind = "connection-rejected"
	KindConnectionFailed   Kind = "connection-failed"
	KindOffer              Kind = "offer"
	KindAnswer             Kind = "answer"
	KindICECandidate       Kind = "ice-candidate"
)

// Envelope is the wire format for every signaling message: a type
// discriminator plus an opaque JSON payload, decoded once at the client
// boundary per the closed-tagged-union design note.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// HostSlotPayload advertises storage capacity to the broker.
type HostSlotPayload struct {
	PeerID      string  `json:"peerId"`
	Storage     int64   `json:"storage"`
	DurationMs  int64   `json:"duration"`
	Location    string  `json:"location,omitempty"`
	Description string  `json:"description,omitempty"`
	PublicKey   string  `json:"publicKey"`
	TrustLevel  string  `json:"trustLevel,omitempty"`
	Reputation  float64 `json:"reputation,omitempty"`
}

// ConnectToPeerPayload requests introduction to a specific counterparty.
type ConnectToPeerPayload struct {
	TargetPeerID    string               `json:"targetPeerId"`
	RequesterPeerID string               `json:"requesterPeerId"`
	Requirements    ConnectRequirements  `json:"requirements"`
}

// ConnectRequirements is the requester's minimum storage ask.
type ConnectRequirements struct {
	Storage int64 `json:"storage"`
}

// AcceptConnectionPayload answers an inbound connection-request.
type AcceptConnectionPayload struct {
	RequesterPeerID string `json:"requesterPeerId"`
	Accept          bool   `json:"accept"`
}

// PeerMatchedPayload is the broker's introduction notice.
type PeerMatchedPayload struct {
	PeerID   string `json:"peerId"`
	SocketID string `json:"socketId"`
	Role     string `json:"role"` // "host" or "requester"
}

// ConnectionFailedPayload carries a broker-side failure reason.
type ConnectionFailedPayload struct {
	Error string `json:"error"`
}

// ConnectionRejectedPayload carries the remote's rejection reason.
type ConnectionRejectedPayload struct {
	Reason string `json:"reason"`
}

// SignalPayload wraps an SDP offer/answer or ICE candidate exchanged
// through the broker on the way to establishing the peer channel directly.
type SignalPayload struct {
	Payload    json.RawMessage `json:"payload"`
	TargetPeer string          `json:"targetPeer,omitempty"`
	FromPeer   string          `json:"fromPeer,omitempty"`
}

// Handler receives every decoded inbound envelope from the broker.
type Handler func(Envelope)

// Client is a single websocket connection to the signaling broker. Writes
// are serialized with a mutex since gorilla/websocket connections do not
// support concurrent writers; reads run on one loop goroutine that invokes
// the registered Handler.
type Client struct {
	url string

	wmu  sync.Mutex
	conn *websocket.Conn

	mu      sync.RWMutex
	handler Handler
}

// NewClient creates a Client targeting the broker at url. Connect must be
// called before use.
func NewClient(url string) *Client {
	return &Client{url: url}
}

// OnMessage registers the callback invoked for every inbound envelope.
func (c *Client) OnMessage(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Connect dials the broker and starts the read loop.
func (c *Client) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("signaling: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(1 << 20)
	c.conn = conn
	go c.readLoop()
	return nil
}

func (c *Client) readLoop() {
	defer c.conn.Close()
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		c.mu.RLock()
		h := c.handler
		c.mu.RUnlock()
		if h != nil {
			h(env)
		}
	}
}

// Send serializes payload into an Envelope of the given kind and writes it.
func (c *Client) Send(kind Kind, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signaling: marshal %s: %w", kind, err)
	}
	env := Envelope{Type: kind, Payload: body}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("signaling: send %s: %w", kind, err)
	}
	return nil
}

// HostSlot advertises storage capacity.
func (c *Client) HostSlot(p HostSlotPayload) error { return c.Send(KindHostSlot, p) }

// ConnectToPeer requests introduction to a specific peer.
func (c *Client) ConnectToPeer(p ConnectToPeerPayload) error { return c.Send(KindConnectToPeer, p) }

// AcceptConnection answers an inbound connection request.
func (c *Client) AcceptConnection(p AcceptConnectionPayload) error {
	return c.Send(KindAcceptConnection, p)
}

// SendSignal relays an SDP offer/answer or ICE candidate.
func (c *Client) SendSignal(kind Kind, p SignalPayload) error { return c.Send(kind, p) }

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// BrowsePeersResult mirrors the broker's GET /api/peers/browse response
// shape; an outer HTTP client (not this package) performs the request and
// decodes into this type.
type BrowsePeersResult struct {
	Success bool              `json:"success"`
	Peers   []BrowsedPeerSlot `json:"peers"`
	Total   int               `json:"total"`
	Timestamp int64           `json:"timestamp"`
}

// BrowsedPeerSlot is one hosted-slot entry in a browse response.
type BrowsedPeerSlot struct {
	PeerID       string              `json:"peerId"`
	Storage      int64               `json:"storage"`
	Location     string              `json:"location"`
	TrustLevel   string              `json:"trustLevel"`
	Reputation   float64             `json:"reputation"`
	Created      int64               `json:"created"`
	Expires      int64               `json:"expires"`
	Description  string              `json:"description"`
	Requirements ConnectRequirements `json:"requirements"`
}

// ReconnectBackoff computes the delay before the nth reconnect attempt
// (0-indexed), doubling from base. The transport package's
// Session.Reconnect follows the same doubling schedule but computes its
// delays inline rather than calling this function.
func ReconnectBackoff(attempt int, base time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}
