package forward

import (
	"errors"
	"sync"
	"time"
)

// ErrUpstreamUnavailable is returned while the circuit breaker is open.
// Deliveries fail fast without any network I/O until the cool-down elapses.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// breakerState is the classic three-state circuit breaker state machine.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker trips after a run of consecutive transient delivery failures and
// fails fast for a cool-down window before admitting a single probe. Only
// transient failures count; a 4xx from the upstream proves reachability and
// resets the streak.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	state       breakerState
	consecutive int
	openedAt    time.Time
	probing     bool

	// now is replaceable for tests.
	now func() time.Time

	onTransition func(state string)
}

// NewBreaker creates a Breaker that opens after threshold consecutive
// transient failures and stays open for cooldown. onTransition, if non-nil,
// is invoked with the new state name on every state change.
func NewBreaker(threshold int, cooldown time.Duration, onTransition func(state string)) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold:    threshold,
		cooldown:     cooldown,
		now:          time.Now,
		onTransition: onTransition,
	}
}

// Allow reports whether a delivery attempt may proceed. While open it returns
// ErrUpstreamUnavailable until the cool-down has elapsed, then admits exactly
// one probe (half-open). Further calls fail fast until the probe's outcome is
// recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return nil
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrUpstreamUnavailable
		}
		b.transition(stateHalfOpen)
		b.probing = true
		return nil
	default: // half-open
		if b.probing {
			return ErrUpstreamUnavailable
		}
		b.probing = true
		return nil
	}
}

// RecordSuccess marks the upstream reachable, closing the breaker and
// resetting the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.probing = false
	if b.state != stateClosed {
		b.transition(stateClosed)
	}
}

// RecordFailure registers a transient failure. The breaker opens when the
// streak reaches the threshold, or immediately when a half-open probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if b.state == stateHalfOpen {
		b.open()
		return
	}
	b.consecutive++
	if b.state == stateClosed && b.consecutive >= b.threshold {
		b.open()
	}
}

// Open reports whether the breaker currently rejects deliveries.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen && b.now().Sub(b.openedAt) < b.cooldown
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.consecutive = 0
	b.transition(stateOpen)
}

// transition must be called with the lock held.
func (b *Breaker) transition(s breakerState) {
	b.state = s
	if b.onTransition != nil {
		b.onTransition(s.String())
	}
}
