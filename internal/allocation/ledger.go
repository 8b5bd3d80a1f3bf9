// Package allocation tracks how many bytes this peer has offered to and
// consumed from each counterparty, enforcing the give-to-get invariant that
// a peer may not consume more remote storage, in aggregate, than it has
// offered in return. Grounded on the map-plus-mutex-plus-stats tracker
// idiom in internal/mesh.Tracker, generalized from per-node storage
// bookkeeping to per-peer give/get bookkeeping.
package allocation

import (
	"fmt"
	"sync"
)

// PeerAllocation holds one counterparty's offered-to and consumed-from
// totals, in bytes.
type PeerAllocation struct {
	OfferedTo    int64
	ConsumedFrom int64
}

// Totals summarizes global allocation state.
type Totals struct {
	OfferedGlobal  int64
	ConsumedGlobal int64
	MaxOffered     int64
}

// Ledger is the per-peer {offered, consumed} accounting table plus global
// aggregates, per spec §4.4.
type Ledger struct {
	mu         sync.Mutex
	peers      map[string]*PeerAllocation
	offered    int64
	consumed   int64
	maxOffered int64
}

// NewLedger creates a Ledger that will admit inbound storage requests only
// while the global offered total stays under maxOffered.
func NewLedger(maxOffered int64) *Ledger {
	return &Ledger{
		peers:      make(map[string]*PeerAllocation),
		maxOffered: maxOffered,
	}
}

func (l *Ledger) peer(peerIDHash string) *PeerAllocation {
	p, ok := l.peers[peerIDHash]
	if !ok {
		p = &PeerAllocation{}
		l.peers[peerIDHash] = p
	}
	return p
}

// MayAccept reports whether an inbound storage request of n bytes from
// peerIDHash may be admitted: offered_global < max_offered, and, once a
// peer has an accepted history, consumed_global + n <= offered_global +
// offered_to_peer. A peer's first-ever request has no ratio to measure
// against and is bounded by capacity alone.
func (l *Ledger) MayAccept(peerIDHash string, n int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mayAcceptLocked(peerIDHash, n)
}

func (l *Ledger) mayAcceptLocked(peerIDHash string, n int64) bool {
	if l.offered >= l.maxOffered {
		return false
	}
	p := l.peers[peerIDHash]
	if p == nil {
		// No history with this peer yet: the ratio bound has nothing to
		// measure against, so the first grant is bounded by capacity alone.
		return l.offered+n <= l.maxOffered
	}
	return l.consumed+n <= l.offered+p.OfferedTo
}

// Accept admits an inbound storage request, incrementing offered-to-peer
// and the global offered total. Returns false without mutating state if the
// request would violate MayAccept.
func (l *Ledger) Accept(peerIDHash string, n int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.mayAcceptLocked(peerIDHash, n) {
		return false
	}
	p := l.peer(peerIDHash)
	p.OfferedTo += n
	l.offered += n
	return true
}

// AcceptOrError behaves like Accept but returns a typed *Error distinguishing
// why admission failed, for callers that need to surface an AllocationError
// per spec §7 rather than a bare bool.
func (l *Ledger) AcceptOrError(peerIDHash string, n int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.offered >= l.maxOffered {
		return newError("accept", ErrCapacityExhausted, fmt.Errorf("global offered %d >= max %d", l.offered, l.maxOffered))
	}
	if !l.mayAcceptLocked(peerIDHash, n) {
		return newError("accept", ErrRatioViolation, fmt.Errorf("consuming %d bytes from %s would exceed give-to-get bound", n, peerIDHash))
	}

	p := l.peer(peerIDHash)
	p.OfferedTo += n
	l.offered += n
	return nil
}

// Consume records that our data was placed with peerIDHash, incrementing
// consumed-from-peer and the global consumed total.
func (l *Ledger) Consume(peerIDHash string, n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.peer(peerIDHash)
	p.ConsumedFrom += n
	l.consumed += n
}

// Release reverses an Accept or Consume on backup deletion, releasing n
// bytes from the appropriate side. side must be "offered" or "consumed".
func (l *Ledger) Release(peerIDHash, side string, n int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.peers[peerIDHash]
	if p == nil {
		return fmt.Errorf("allocation: release: unknown peer %s", peerIDHash)
	}
	switch side {
	case "offered":
		p.OfferedTo -= n
		l.offered -= n
	case "consumed":
		p.ConsumedFrom -= n
		l.consumed -= n
	default:
		return fmt.Errorf("allocation: release: unknown side %q", side)
	}
	if p.OfferedTo < 0 {
		p.OfferedTo = 0
	}
	if p.ConsumedFrom < 0 {
		p.ConsumedFrom = 0
	}
	if l.offered < 0 {
		l.offered = 0
	}
	if l.consumed < 0 {
		l.consumed = 0
	}
	return nil
}

// Totals returns the current global aggregates.
func (l *Ledger) Totals() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Totals{OfferedGlobal: l.offered, ConsumedGlobal: l.consumed, MaxOffered: l.maxOffered}
}

// PeerAllocation returns a copy of one peer's bookkeeping, for diagnostics.
func (l *Ledger) PeerAllocation(peerIDHash string) PeerAllocation {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.peers[peerIDHash]; ok {
		return *p
	}
	return PeerAllocation{}
}

// Validate checks the give-to-get invariant: per-peer sums reconcile with
// globals, and consumed_global <= offered_global. A violation is reportable
// but non-fatal, per spec §4.4 — callers log and continue rather than
// panicking.
func (l *Ledger) Validate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var offeredSum, consumedSum int64
	for _, p := range l.peers {
		offeredSum += p.OfferedTo
		consumedSum += p.ConsumedFrom
	}
	if offeredSum != l.offered {
		return fmt.Errorf("allocation: offered mismatch: peer sum %d != global %d", offeredSum, l.offered)
	}
	if consumedSum != l.consumed {
		return fmt.Errorf("allocation: consumed mismatch: peer sum %d != global %d", consumedSum, l.consumed)
	}
	if l.consumed > l.offered {
		return fmt.Errorf("allocation: give-to-get violated: consumed %d > offered %d", l.consumed, l.offered)
	}
	return nil
}
