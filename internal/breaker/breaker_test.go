package breaker

import (
	"testing"
	"time"
)

func newTestBreaker(clock *time.Time) *Breaker {
	b := New(5, 30*time.Second, 300*time.Second, 1)
	b.now = func() time.Time { return *clock }
	return b
}

func TestOpensAfterThresholdFailures(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(&clock)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		if !b.Allow() {
			t.Fatalf("breaker rejected after %d failures, want open only at 5", i+1)
		}
	}
	b.RecordFailure()

	if b.Allow() {
		t.Fatal("breaker allowed call immediately after opening")
	}
	if got := b.Snapshot().State; got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestRejectsWithinRecoveryTimeout(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(&clock)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	clock = clock.Add(29 * time.Second)
	if b.Allow() {
		t.Fatal("breaker allowed call before backoff elapsed")
	}

	clock = clock.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker rejected call after backoff elapsed")
	}
	if got := b.Snapshot().State; got != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", got)
	}
}

func TestHalfOpenLimitsTrialCalls(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(&clock)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock = clock.Add(31 * time.Second)

	if !b.Allow() {
		t.Fatal("first half-open trial rejected")
	}
	if b.Allow() {
		t.Fatal("second simultaneous half-open trial allowed, want limit 1")
	}
}

func TestHalfOpenSuccessClosesAndResetsBackoff(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(&clock)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock = clock.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("trial call rejected")
	}

	b.RecordSuccess()
	if got := b.Snapshot().State; got != StateClosed {
		t.Fatalf("state = %v, want closed after trial success", got)
	}

	// The backoff ladder restarts from base after a successful recovery.
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	if got := b.Backoff(); got != 30*time.Second {
		t.Fatalf("backoff after recovery = %v, want 30s", got)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(&clock)

	wants := []time.Duration{
		30 * time.Second,  // first open
		60 * time.Second,  // second
		120 * time.Second, // third
		240 * time.Second, // fourth
		300 * time.Second, // capped
		300 * time.Second,
	}

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	for n, want := range wants {
		if got := b.Backoff(); got != want {
			t.Fatalf("open #%d: backoff = %v, want %v", n+1, got, want)
		}
		clock = clock.Add(b.Backoff())
		if !b.Allow() {
			t.Fatalf("open #%d: trial rejected after backoff", n+1)
		}
		b.RecordFailure() // trial fails, reopen with longer backoff
	}
}

func TestStateChangeCallback(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(&clock)

	var transitions []State
	b.OnStateChange = func(from, to State) {
		transitions = append(transitions, to)
	}

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock = clock.Add(31 * time.Second)
	b.Allow()
	b.RecordSuccess()

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestSuccessResetsFailureCountWhenClosed(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(&clock)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if got := b.Snapshot().State; got != StateClosed {
		t.Fatalf("state = %v, want closed — failures were not consecutive", got)
	}
}
