package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestAllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("ledger") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestTripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("ledger")
	b.RecordFailure("ledger")
	if !b.Allow("ledger") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("ledger")
	if b.Allow("ledger") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("ledger") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("ledger"))
	}
}

func TestOpenToHalfOpenAfterDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("ledger")
	b.RecordFailure("ledger")
	if b.Allow("ledger") {
		t.Fatal("should be open")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow("ledger") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("ledger") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("ledger"))
	}
	if b.Allow("ledger") {
		t.Fatal("should reject second request in half-open")
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("ledger")
	b.RecordFailure("ledger")
	time.Sleep(60 * time.Millisecond)
	b.Allow("ledger")

	b.RecordSuccess("ledger")
	if b.State("ledger") != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State("ledger"))
	}
	if !b.Allow("ledger") {
		t.Fatal("should allow after recovery")
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("ledger")
	b.RecordFailure("ledger")
	time.Sleep(60 * time.Millisecond)
	b.Allow("ledger")

	b.RecordFailure("ledger")
	if b.State("ledger") != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State("ledger"))
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("ledger")
	b.RecordFailure("ledger")
	b.RecordSuccess("ledger")

	b.RecordFailure("ledger")
	if !b.Allow("ledger") {
		t.Fatal("should still be closed after reset")
	}
}

func TestIndependentKeys(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("ledger")
	b.RecordFailure("ledger")

	if b.Allow("ledger") {
		t.Fatal("ledger should be open")
	}
	if !b.Allow("notify") {
		t.Fatal("notify should be closed")
	}
}

func TestOnTransitionCallback(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure("ledger")
	b.RecordFailure("ledger")

	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("expected closed to open, got %v to %v", transitions[0].from, transitions[0].to)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
