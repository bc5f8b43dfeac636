// Package breaker implements the per-upstream circuit breaker with
// exponential backoff. After a run of consecutive failures the breaker opens
// and rejects connection attempts; once the backoff elapses it allows a
// limited number of trial calls, closing again on the first success.
package breaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = 0 // Normal operation — requests pass through
	StateOpen     State = 1 // Circuit tripped — requests rejected immediately
	StateHalfOpen State = 2 // Testing — limited trial calls allowed through
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time view of the breaker for health reporting.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	OpenSince           time.Time // zero unless State == StateOpen
}

// Breaker is a three-state circuit breaker. Allow gates an operation;
// RecordSuccess and RecordFailure report its outcome. The open→half-open
// transition happens lazily inside Allow once the backoff has elapsed.
//
// Backoff grows as base·2^(openCount-1) capped at maxBackoff, where openCount
// is the number of times the breaker has entered OPEN. openCount resets only
// when a half-open trial succeeds.
type Breaker struct {
	mu sync.Mutex

	state         State
	failures      int
	openCount     int
	openSince     time.Time
	halfOpenCalls int

	maxFailures  int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	halfOpenMax  int

	now func() time.Time

	// OnStateChange, when set, is called (outside internal work but under
	// the breaker mutex) on every transition. Used to drive metrics gauges.
	OnStateChange func(from, to State)
}

// New creates a breaker.
// maxFailures: consecutive failures before opening (e.g. 5)
// baseBackoff: wait before the first half-open trial (e.g. 30s)
// maxBackoff: backoff growth cap (e.g. 300s)
// halfOpenMax: trial calls permitted simultaneously in half-open (e.g. 1)
func New(maxFailures int, baseBackoff, maxBackoff time.Duration, halfOpenMax int) *Breaker {
	if halfOpenMax <= 0 {
		halfOpenMax = 1
	}
	return &Breaker{
		state:       StateClosed,
		maxFailures: maxFailures,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		halfOpenMax: halfOpenMax,
		now:         time.Now,
	}
}

// Allow reports whether an operation may proceed. In OPEN it returns false
// until the backoff has elapsed, at which point the breaker moves to
// HALF_OPEN and admits up to halfOpenMax trial calls.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openSince) < b.backoff() {
			return false
		}
		b.transition(StateHalfOpen)
		b.halfOpenCalls = 1
		return true
	case StateHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMax {
			return false
		}
		b.halfOpenCalls++
		return true
	}
	return false
}

// RecordSuccess reports a successful operation. A success during a half-open
// trial closes the circuit and resets the backoff ladder.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.openCount = 0
		b.failures = 0
		b.halfOpenCalls = 0
		b.transition(StateClosed)
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure reports a failed operation. In CLOSED the failure counter
// trips the breaker at the threshold; in HALF_OPEN the first failure reopens
// it with a longer backoff.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	switch b.state {
	case StateHalfOpen:
		b.openCount++
		b.halfOpenCalls = 0
		b.openSince = b.now()
		b.transition(StateOpen)
	case StateClosed:
		if b.failures >= b.maxFailures {
			b.openCount++
			b.openSince = b.now()
			b.transition(StateOpen)
		}
	}
}

// Backoff returns the wait currently required before a half-open trial.
func (b *Breaker) Backoff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backoff()
}

// Snapshot returns the current breaker state for health reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
	}
	if b.state == StateOpen {
		snap.OpenSince = b.openSince
	}
	return snap
}

// backoff computes base·2^(openCount-1) capped at maxBackoff.
// Callers hold b.mu.
func (b *Breaker) backoff() time.Duration {
	if b.openCount <= 1 {
		return b.baseBackoff
	}
	d := b.baseBackoff
	for i := 1; i < b.openCount; i++ {
		d *= 2
		if d >= b.maxBackoff {
			return b.maxBackoff
		}
	}
	if d > b.maxBackoff {
		return b.maxBackoff
	}
	return d
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}
