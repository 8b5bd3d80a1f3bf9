// Package ratelimit implements dual-window sliding admission control for
// inbound peer messages, generalizing a single fixed-window limiter into a
// coarse window, a burst window, and per-message-type overrides, with
// temporary bans for peers that repeatedly saturate either window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Reason discriminates why a message was denied.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonBurstLimit       Reason = "burst-limit"
	ReasonWindowLimit      Reason = "window-limit"
	ReasonMessageTypeLimit Reason = "message-type-limit"
	ReasonBanned           Reason = "banned"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  Reason
	Banned  bool
}

// TypeCap overrides the coarse window's admission count for a specific
// message kind.
type TypeCap struct {
	Max    int
	Window time.Duration
}

// Config tunes the limiter's windows, thresholds, and ban duration.
// NewLimiter replaces a Config whose CoarseWindow is zero with
// DefaultConfig as a whole; other zero fields are used as given.
type Config struct {
	CoarseWindow     time.Duration
	CoarseMax        int
	BurstWindow      time.Duration
	BurstMax         int
	BanDuration      time.Duration
	CoarseBanPercent float64 // e.g. 0.90
	BurstBanPercent  float64 // e.g. 0.95
	BanStrikes       int     // consecutive over-threshold ticks before a ban
	TypeCaps         map[string]TypeCap
}

// DefaultConfig returns the dual-window configuration named in spec §4.3.
func DefaultConfig() Config {
	return Config{
		CoarseWindow:     60 * time.Second,
		CoarseMax:        100,
		BurstWindow:      1 * time.Second,
		BurstMax:         20,
		BanDuration:      5 * time.Minute,
		CoarseBanPercent: 0.90,
		BurstBanPercent:  0.95,
		BanStrikes:       3,
		TypeCaps: map[string]TypeCap{
			"file_chunk":         {Max: 200, Window: 60 * time.Second},
			"ping":               {Max: 60, Window: 60 * time.Second},
			"storage_challenge":  {Max: 10, Window: 60 * time.Second},
			"peer_identity":      {Max: 5, Window: 60 * time.Second},
			"file_start":         {Max: 20, Window: 60 * time.Second},
		},
	}
}

type window struct {
	start time.Time
	count int
}

// peerState is the per-peer record for one rate-limited identity.
type peerState struct {
	mu        sync.Mutex
	coarse    window
	burst     window
	typeWin   map[string]window
	strikes   int
	bannedAt  time.Time
	banExpiry time.Time
	lastSeen  time.Time
}

func (s *peerState) banned(now time.Time) bool {
	return now.Before(s.banExpiry)
}

// Limiter enforces per-peer-id-hash dual-window admission with per-type
// overrides and temporary bans. One Limiter instance covers every peer; it
// holds a top-level lock only to access the peer map, each peer's counters
// are then guarded independently, matching spec §4.3's "per-peer locking,
// not shared across peers" requirement.
type Limiter struct {
	cfg Config

	mu    sync.Mutex
	peers map[string]*peerState
}

// NewLimiter builds a Limiter. A Config with a zero CoarseWindow is
// replaced with DefaultConfig.
func NewLimiter(cfg Config) *Limiter {
	if cfg.CoarseWindow == 0 {
		cfg = DefaultConfig()
	}
	return &Limiter{cfg: cfg, peers: make(map[string]*peerState)}
}

func (l *Limiter) state(peerIDHash string) *peerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.peers[peerIDHash]
	if !ok {
		s = &peerState{typeWin: make(map[string]window)}
		l.peers[peerIDHash] = s
	}
	return s
}

// Allow applies the dispatcher's admission rule for one inbound message of
// the given kind from peerIDHash. Rejections never mutate counters for the
// rejected request, per spec §4.3.
func (l *Limiter) Allow(peerIDHash, messageKind string) Decision {
	return l.AllowAt(peerIDHash, messageKind, time.Now())
}

// AllowAt is Allow with an explicit clock, used by tests.
func (l *Limiter) AllowAt(peerIDHash, messageKind string, now time.Time) Decision {
	s := l.state(peerIDHash)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSeen = now

	if s.banned(now) {
		return Decision{Allowed: false, Reason: ReasonBanned, Banned: true}
	}

	if cap, ok := l.cfg.TypeCaps[messageKind]; ok {
		w := slideWindow(s.typeWin[messageKind], now, cap.Window)
		if w.count >= cap.Max {
			return Decision{Allowed: false, Reason: ReasonMessageTypeLimit}
		}
	}

	burst := slideWindow(s.burst, now, l.cfg.BurstWindow)
	if burst.count >= l.cfg.BurstMax {
		l.strike(s, now)
		return Decision{Allowed: false, Reason: ReasonBurstLimit, Banned: s.banned(now)}
	}

	coarse := slideWindow(s.coarse, now, l.cfg.CoarseWindow)
	if coarse.count >= l.cfg.CoarseMax {
		l.strike(s, now)
		return Decision{Allowed: false, Reason: ReasonWindowLimit, Banned: s.banned(now)}
	}

	// Admit: commit the incremented windows.
	coarse.count++
	burst.count++
	s.coarse = coarse
	s.burst = burst
	if cap, ok := l.cfg.TypeCaps[messageKind]; ok {
		w := slideWindow(s.typeWin[messageKind], now, cap.Window)
		w.count++
		s.typeWin[messageKind] = w
	}
	l.relieve(s, now)

	return Decision{Allowed: true}
}

// slideWindow resets a window if its elapsed age exceeds span, otherwise
// returns it unchanged. Callers increment the returned value on admission.
func slideWindow(w window, now time.Time, span time.Duration) window {
	if w.start.IsZero() || now.Sub(w.start) > span {
		return window{start: now, count: 0}
	}
	return w
}

// strike records an over-threshold tick and bans the peer once consecutive
// strikes reach BanStrikes, per spec §4.3's "repeatedly" qualifier.
func (l *Limiter) strike(s *peerState, now time.Time) {
	coarseUtil := utilization(s.coarse.count, l.cfg.CoarseMax)
	burstUtil := utilization(s.burst.count, l.cfg.BurstMax)
	if coarseUtil > l.cfg.CoarseBanPercent || burstUtil > l.cfg.BurstBanPercent {
		s.strikes++
	}
	if s.strikes >= l.cfg.BanStrikes {
		s.bannedAt = now
		s.banExpiry = now.Add(l.cfg.BanDuration)
		s.strikes = 0
	}
}

// relieve resets the strike counter once a peer is admitted cleanly below
// threshold, so only *consecutive* saturation triggers a ban.
func (l *Limiter) relieve(s *peerState, now time.Time) {
	coarseUtil := utilization(s.coarse.count, l.cfg.CoarseMax)
	burstUtil := utilization(s.burst.count, l.cfg.BurstMax)
	if coarseUtil <= l.cfg.CoarseBanPercent && burstUtil <= l.cfg.BurstBanPercent {
		s.strikes = 0
	}
}

func utilization(count, max int) float64 {
	if max == 0 {
		return 0
	}
	return float64(count) / float64(max)
}

// Banned reports whether a peer is currently under a temporary ban.
func (l *Limiter) Banned(peerIDHash string) bool {
	s := l.state(peerIDHash)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banned(time.Now())
}

// GC drops per-peer records that have been idle for longer than idleAfter,
// run on a half-window tick per spec §4.3.
func (l *Limiter) GC(idleAfter time.Duration) int {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, s := range l.peers {
		s.mu.Lock()
		stale := now.Sub(s.lastSeen) > idleAfter && !s.banned(now)
		s.mu.Unlock()
		if stale {
			delete(l.peers, id)
			removed++
		}
	}
	return removed
}

// Run starts the garbage-collection loop, ticking every half the coarse
// window until ctx is cancelled, matching the server/workers.go background-worker
// idiom in internal/server.
func (l *Limiter) Run(ctx context.Context) {
	interval := l.cfg.CoarseWindow / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			l.GC(l.cfg.CoarseWindow)
		}
	}
}
