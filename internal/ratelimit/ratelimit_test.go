package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AllowsUpToMaxThenDenies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CoarseMax = 5
	cfg.CoarseWindow = time.Minute
	cfg.BurstMax = 100
	cfg.TypeCaps = nil
	l := NewLimiter(cfg)

	now := time.Now()
	for i := 0; i < 5; i++ {
		d := l.AllowAt("peer-1", "unknown_kind", now)
		if !d.Allowed {
			t.Fatalf("request %d: expected allowed, got denied reason=%s", i, d.Reason)
		}
	}

	d := l.AllowAt("peer-1", "unknown_kind", now)
	if d.Allowed {
		t.Fatal("expected the 6th request in the window to be denied")
	}
	if d.Reason != ReasonWindowLimit {
		t.Fatalf("expected window-limit reason, got %s", d.Reason)
	}
}

func TestLimiter_ResetsAfterWindowElapses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CoarseMax = 2
	cfg.CoarseWindow = 10 * time.Second
	cfg.BurstMax = 100
	cfg.TypeCaps = nil
	l := NewLimiter(cfg)

	now := time.Now()
	l.AllowAt("peer-1", "x", now)
	l.AllowAt("peer-1", "x", now)
	if d := l.AllowAt("peer-1", "x", now); d.Allowed {
		t.Fatal("expected third request in window to be denied")
	}

	later := now.Add(11 * time.Second)
	if d := l.AllowAt("peer-1", "x", later); !d.Allowed {
		t.Fatalf("expected request after window elapsed to pass, got reason=%s", d.Reason)
	}
}

func TestLimiter_BurstLimitIndependentOfCoarse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CoarseMax = 1000
	cfg.BurstMax = 2
	cfg.BurstWindow = time.Second
	cfg.TypeCaps = nil
	l := NewLimiter(cfg)

	now := time.Now()
	l.AllowAt("peer-1", "x", now)
	l.AllowAt("peer-1", "x", now)
	d := l.AllowAt("peer-1", "x", now)
	if d.Allowed || d.Reason != ReasonBurstLimit {
		t.Fatalf("expected burst-limit denial, got %+v", d)
	}
}

func TestLimiter_PerMessageTypeCapOverridesCoarse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CoarseMax = 1000
	cfg.BurstMax = 1000
	l := NewLimiter(cfg)

	now := time.Now()
	var last Decision
	for i := 0; i < 6; i++ {
		last = l.AllowAt("peer-1", "peer_identity", now)
	}
	if last.Allowed || last.Reason != ReasonMessageTypeLimit {
		t.Fatalf("expected message-type-limit denial on the 6th peer_identity message, got %+v", last)
	}
}

func TestLimiter_BansAfterRepeatedSaturation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CoarseMax = 1
	cfg.CoarseWindow = time.Minute
	cfg.BurstMax = 1000
	cfg.BanStrikes = 2
	cfg.BanDuration = 5 * time.Minute
	cfg.TypeCaps = nil
	l := NewLimiter(cfg)

	now := time.Now()
	l.AllowAt("peer-1", "x", now) // consumes the one coarse slot

	var last Decision
	for i := 0; i < 2; i++ {
		last = l.AllowAt("peer-1", "x", now)
	}
	if !last.Banned {
		t.Fatal("expected peer to be banned after repeated window saturation")
	}

	d := l.AllowAt("peer-1", "x", now)
	if d.Allowed || d.Reason != ReasonBanned {
		t.Fatalf("expected banned reason while ban is active, got %+v", d)
	}
}

func TestLimiter_RejectionDoesNotMutateCounters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CoarseMax = 1
	cfg.CoarseWindow = time.Minute
	cfg.BurstMax = 1000
	cfg.TypeCaps = nil
	l := NewLimiter(cfg)

	now := time.Now()
	l.AllowAt("peer-1", "x", now)
	for i := 0; i < 3; i++ {
		l.AllowAt("peer-1", "x", now)
	}

	s := l.state("peer-1")
	if s.coarse.count != 1 {
		t.Fatalf("expected coarse count to remain 1 after rejections, got %d", s.coarse.count)
	}
}

func TestLimiter_GCRemovesIdlePeers(t *testing.T) {
	l := NewLimiter(DefaultConfig())
	l.AllowAt("peer-1", "x", time.Now().Add(-time.Hour))

	removed := l.GC(time.Minute)
	if removed != 1 {
		t.Fatalf("expected 1 idle peer removed, got %d", removed)
	}
}
