package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestBreakerAllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("ag_vega") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	// 2 failures = still closed
	b.RecordFailure("ag_vega")
	b.RecordFailure("ag_vega")
	if !b.Allow("ag_vega") {
		t.Fatal("should still allow before threshold")
	}

	// 3rd failure = open
	b.RecordFailure("ag_vega")
	if b.Allow("ag_vega") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("ag_vega") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("ag_vega"))
	}
}

func TestBreakerOpenToHalfOpenAfterDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("ag_vega")
	b.RecordFailure("ag_vega")
	if b.Allow("ag_vega") {
		t.Fatal("should be open")
	}

	// Wait for open duration.
	time.Sleep(60 * time.Millisecond)

	// Should transition to half-open and allow one probe.
	if !b.Allow("ag_vega") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("ag_vega") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("ag_vega"))
	}

	// Second request while half-open should be rejected.
	if b.Allow("ag_vega") {
		t.Fatal("should reject second request in half-open")
	}
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("ag_vega")
	b.RecordFailure("ag_vega")
	time.Sleep(60 * time.Millisecond)
	b.Allow("ag_vega") // Transitions to half-open

	b.RecordSuccess("ag_vega")
	if b.State("ag_vega") != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State("ag_vega"))
	}
	if !b.Allow("ag_vega") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("ag_vega")
	b.RecordFailure("ag_vega")
	time.Sleep(60 * time.Millisecond)
	b.Allow("ag_vega") // Transitions to half-open

	b.RecordFailure("ag_vega")
	if b.State("ag_vega") != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State("ag_vega"))
	}
}

func TestBreakerSuccessResets(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("ag_vega")
	b.RecordFailure("ag_vega")
	b.RecordSuccess("ag_vega")

	// Should not trip with only 1 more failure (counter was reset).
	b.RecordFailure("ag_vega")
	if !b.Allow("ag_vega") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreakerIndependentKeys(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("ag_vega")
	b.RecordFailure("ag_vega")

	// ag_vega is open, ag_kelly should be unaffected.
	if b.Allow("ag_vega") {
		t.Fatal("ag_vega should be open")
	}
	if !b.Allow("ag_kelly") {
		t.Fatal("ag_kelly should be closed")
	}
}

func TestBreakerUnknownKeyIsClosed(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	if b.State("unknown") != StateClosed {
		t.Fatalf("expected StateClosed for unknown key, got %v", b.State("unknown"))
	}
}

func TestBreakerOnTransitionCallback(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure("ag_vega")
	b.RecordFailure("ag_vega") // Should trigger closed to open.

	// Give goroutine time to run.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("expected closed to open, got %v to %v", transitions[0].from, transitions[0].to)
	}
	mu.Unlock()
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
