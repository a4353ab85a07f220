package provider

import (
	"sync"
	"sync/atomic"
	"time"
)

// BreakerState is a provider's health state.
type BreakerState int32

const (
	// StateClosed lets traffic flow normally.
	StateClosed BreakerState = iota
	// StateOpen rejects all calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen permits exactly one trial call.
	StateHalfOpen
)

func (s BreakerState) String() string {
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

// breaker isolates a failing provider. Consecutive failures reaching
// the threshold open it; after the cooldown a single half-open trial
// decides whether it closes again.
type breaker struct {
	mu            sync.Mutex
	state         BreakerState
	lastFailure   time.Time
	trialInFlight bool

	// consecutive failures, atomic because many tasks report outcomes.
	failures atomic.Uint32

	threshold uint32
	cooldown  time.Duration
	now       func() time.Time

	onTransition func(to BreakerState)
}

func newBreaker(threshold uint32, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a call may proceed right now. In HalfOpen it
// reserves the single trial slot, so a second caller is refused until
// the trial's outcome is reported.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cooldown {
			return false
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
	return false
}

// ReleaseTrial returns an unused half-open trial slot. Called when a
// caller reserved the trial via Allow but never made the call.
func (b *breaker) ReleaseTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *breaker) RecordSuccess() {
	b.failures.Store(0)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordFailure counts a failure; at the threshold, or on a failed
// half-open trial, the breaker opens and the cooldown restarts.
func (b *breaker) RecordFailure() {
	n := b.failures.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
		b.transition(StateOpen)
		return
	}
	if b.state == StateClosed && n >= b.threshold {
		b.transition(StateOpen)
	}
}

// State returns the current state without side effects.
func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *breaker) Failures() uint32 { return b.failures.Load() }

// transition must be called with b.mu held.
func (b *breaker) transition(to BreakerState) {
	b.state = to
	if b.onTransition != nil {
		b.onTransition(to)
	}
}
