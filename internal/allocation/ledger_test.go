package allocation

import (
	"errors"
	"testing"
)

func TestLedger_AcceptWithinBounds(t *testing.T) {
	l := NewLedger(1000)
	if !l.MayAccept("peer-1", 500) {
		t.Fatal("expected initial accept of 500 to be admitted")
	}
	if !l.Accept("peer-1", 500) {
		t.Fatal("expected accept to succeed")
	}

	totals := l.Totals()
	if totals.OfferedGlobal != 500 {
		t.Fatalf("expected offered global 500, got %d", totals.OfferedGlobal)
	}
}

func TestLedger_RejectsBeyondGiveToGet(t *testing.T) {
	l := NewLedger(1000)
	if !l.Accept("peer-1", 200) {
		t.Fatal("expected first accept to succeed")
	}
	// consumed_global + n <= offered_global + offered_to_peer
	// offered_global=200, offered_to_peer=200, so n<=400 is fine but n>400 must fail.
	if l.MayAccept("peer-1", 401) {
		t.Fatal("expected accept of 401 to exceed give-to-get bound")
	}
	if l.Accept("peer-1", 401) {
		t.Fatal("expected accept to fail and not mutate state")
	}
}

func TestLedger_RejectsBeyondMaxOffered(t *testing.T) {
	l := NewLedger(100)
	if !l.Accept("peer-1", 100) {
		t.Fatal("expected accept up to max to succeed")
	}
	if l.MayAccept("peer-1", 1) {
		t.Fatal("expected accept beyond max offered to be denied")
	}
}

func TestLedger_ConsumeAndRelease(t *testing.T) {
	l := NewLedger(1000)
	l.Accept("peer-1", 500)
	l.Consume("peer-1", 300)

	totals := l.Totals()
	if totals.ConsumedGlobal != 300 {
		t.Fatalf("expected consumed global 300, got %d", totals.ConsumedGlobal)
	}

	if err := l.Release("peer-1", "consumed", 300); err != nil {
		t.Fatalf("release consumed: %v", err)
	}
	if err := l.Release("peer-1", "offered", 500); err != nil {
		t.Fatalf("release offered: %v", err)
	}

	totals = l.Totals()
	if totals.OfferedGlobal != 0 || totals.ConsumedGlobal != 0 {
		t.Fatalf("expected zeroed totals after release, got %+v", totals)
	}
}

func TestLedger_ValidateDetectsGiveToGetViolation(t *testing.T) {
	l := NewLedger(1000)
	l.Accept("peer-1", 200)
	l.Consume("peer-1", 200)
	if err := l.Validate(); err != nil {
		t.Fatalf("expected valid ledger, got %v", err)
	}

	// Force an inconsistency by consuming beyond offered directly.
	l.Consume("peer-1", 1)
	if err := l.Validate(); err == nil {
		t.Fatal("expected validate to detect give-to-get violation")
	}
}

func TestLedger_AcceptOrErrorDistinguishesKinds(t *testing.T) {
	l := NewLedger(100)
	if err := l.AcceptOrError("peer-1", 100); err != nil {
		t.Fatalf("expected accept up to max to succeed, got %v", err)
	}

	var capErr *Error
	if err := l.AcceptOrError("peer-1", 1); !errors.As(err, &capErr) || capErr.Kind != ErrCapacityExhausted {
		t.Fatalf("expected capacity-exhausted error, got %v", err)
	}

	l2 := NewLedger(10_000)
	l2.Accept("peer-2", 200)
	var ratioErr *Error
	if err := l2.AcceptOrError("peer-2", 1000); !errors.As(err, &ratioErr) || ratioErr.Kind != ErrRatioViolation {
		t.Fatalf("expected ratio-violation error, got %v", err)
	}
}

func TestLedger_ValidatePasses(t *testing.T) {
	l := NewLedger(1000)
	l.Accept("peer-1", 100)
	l.Accept("peer-2", 200)
	l.Consume("peer-1", 50)
	if err := l.Validate(); err != nil {
		t.Fatalf("expected valid ledger, got %v", err)
	}
}
