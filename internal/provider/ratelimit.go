package provider

import (
	"sync"
	"time"
)

// tokenBucket enforces a provider's rate budget. Running out is a soft
// failure for routing: the pool tries the next provider instead of
// surfacing an error.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	burst      float64
	perSecond  float64
	lastRefill time.Time
	now        func() time.Time
}

// newTokenBucket builds a full bucket. perSecond <= 0 disables the
// budget entirely.
func newTokenBucket(perSecond float64, burst int) *tokenBucket {
	b := &tokenBucket{
		tokens:    float64(burst),
		burst:     float64(burst),
		perSecond: perSecond,
		now:       time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// Allow consumes one token if the budget permits.
func (b *tokenBucket) Allow() bool {
	if b.perSecond <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.perSecond
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
