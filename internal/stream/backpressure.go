package stream

import (
	"fmt"
	"sync"
	"time"
)

// ErrBufferFull signals that the backpressure buffer is at its current
// target. The producer retries per its configured policy; the token is
// never silently dropped.
var ErrBufferFull = fmt.Errorf("stream: backpressure buffer full")

// Backpressure sits between the decoder and the outbound channel write
// path. Its target size adapts inside [min,max]: slow consumers grow it
// so decode bursts are absorbed, fast consumers shrink it to keep
// latency and memory down.
type Backpressure struct {
	mu     sync.Mutex
	queue  []Token
	min    int
	max    int
	target int

	// slowThreshold splits drain observations into slow and fast.
	slowThreshold time.Duration
}

// NewBackpressure builds a buffer with target starting at min.
func NewBackpressure(min, max int, slowThreshold time.Duration) (*Backpressure, error) {
	if min < 1 || max < min {
		return nil, fmt.Errorf("stream: invalid backpressure bounds [%d,%d]", min, max)
	}
	return &Backpressure{
		min:           min,
		max:           max,
		target:        min,
		slowThreshold: slowThreshold,
	}, nil
}

// Push queues a token for delivery. Fails with ErrBufferFull at the
// current target depth.
func (b *Backpressure) Push(tok Token) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) >= b.target {
		return ErrBufferFull
	}
	b.queue = append(b.queue, tok)
	return nil
}

// Pop removes the next token in arrival order.
func (b *Backpressure) Pop() (Token, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Token{}, false
	}
	tok := b.queue[0]
	b.queue = b.queue[1:]
	return tok, true
}

// ObserveDrain records how long the consumer took to process the last
// token and adapts the target: doubling while the consumer is slow,
// halving once it is fast and the queue has emptied out. The target
// never leaves [min,max].
func (b *Backpressure) ObserveDrain(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d > b.slowThreshold {
		b.target *= 2
		if b.target > b.max {
			b.target = b.max
		}
		return
	}
	if len(b.queue) <= b.target/2 {
		b.target /= 2
		if b.target < b.min {
			b.target = b.min
		}
	}
}

// Target returns the current adaptive target depth.
func (b *Backpressure) Target() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.target
}

// Depth returns the current queue depth.
func (b *Backpressure) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
