package dispatch

import (
	"context"
	"sync"
	"time"
)

// Policy selects the behavior when all admission permits are taken.
type Policy int

const (
	// PolicyBlock suspends the caller up to the configured wait.
	PolicyBlock Policy = iota
	// PolicyReject fails immediately with a backpressure error.
	PolicyReject
	// PolicyDropOldest queues the caller and evicts the oldest waiter
	// when the queue itself overflows.
	PolicyDropOldest
)

func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyReject:
		return "reject"
	case PolicyDropOldest:
		return "drop_oldest"
	default:
		return "unknown"
	}
}

// waiter is one suspended admission request. Exactly one of ready or
// dropped is closed.
type waiter struct {
	ready   chan struct{}
	dropped chan struct{}
}

// permit is a held admission slot. Release is safe to call more than
// once (eviction may race the owner's deferred release).
type permit struct {
	sem  *semaphore
	once sync.Once
}

// Release returns the slot, handing it directly to the oldest waiter
// if one is queued.
func (p *permit) Release() {
	p.once.Do(p.sem.release)
}

// semaphore bounds total concurrent in-flight requests with a FIFO
// waiter queue for the block and drop-oldest policies.
type semaphore struct {
	mu       sync.Mutex
	inflight int
	max      int
	waiters  []*waiter

	policy     Policy
	maxWait    time.Duration
	queueDepth int
}

func newSemaphore(max int, policy Policy, maxWait time.Duration, queueDepth int) *semaphore {
	return &semaphore{max: max, policy: policy, maxWait: maxWait, queueDepth: queueDepth}
}

// acquire suspends per policy until a permit is available. The error is
// always a backpressureError or the context's error.
func (s *semaphore) acquire(ctx context.Context) (*permit, error) {
	s.mu.Lock()
	if s.inflight < s.max {
		s.inflight++
		inflight.Set(float64(s.inflight))
		s.mu.Unlock()
		return &permit{sem: s}, nil
	}

	if s.policy == PolicyReject {
		s.mu.Unlock()
		backpressureTotal.WithLabelValues(s.policy.String()).Inc()
		return nil, backpressureError{policy: s.policy}
	}

	w := &waiter{ready: make(chan struct{}), dropped: make(chan struct{})}
	s.waiters = append(s.waiters, w)
	if s.policy == PolicyDropOldest && len(s.waiters) > s.queueDepth {
		oldest := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(oldest.dropped)
		backpressureTotal.WithLabelValues(s.policy.String()).Inc()
	}
	queueDepth.Set(float64(len(s.waiters)))
	s.mu.Unlock()

	var timeout <-chan time.Time
	if s.policy == PolicyBlock {
		timer := time.NewTimer(s.maxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-w.ready:
		// Permit transferred by the releaser; inflight already counted.
		return &permit{sem: s}, nil
	case <-w.dropped:
		return nil, backpressureError{policy: s.policy}
	case <-timeout:
		s.remove(w)
		backpressureTotal.WithLabelValues(s.policy.String()).Inc()
		return nil, backpressureError{policy: s.policy}
	case <-ctx.Done():
		s.remove(w)
		return nil, ctx.Err()
	}
}

// remove unlinks a waiter that gave up. If its permit was granted in
// the same instant, pass the slot along instead of leaking it.
func (s *semaphore) remove(w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cand := range s.waiters {
		if cand == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			queueDepth.Set(float64(len(s.waiters)))
			return
		}
	}
	select {
	case <-w.ready:
		s.releaseLocked()
	default:
	}
}

func (s *semaphore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

// releaseLocked hands the slot to the oldest waiter or frees it.
func (s *semaphore) releaseLocked() {
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		queueDepth.Set(float64(len(s.waiters)))
		close(w.ready)
		return
	}
	s.inflight--
	inflight.Set(float64(s.inflight))
}

// depth reports queued waiters, for the status snapshot.
func (s *semaphore) depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
