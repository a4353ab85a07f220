// Package bufpool provides tiered reusable byte buffers for the ring
// poll loop and the streaming pipeline. Each tier holds a bounded free
// list, so steady-state memory stays bounded regardless of burst load.
//
// sync.Pool is deliberately not used here: tier caps must be hard, and
// sync.Pool is both unbounded and emptied by GC.
package bufpool

import (
	"fmt"
	"sort"
)

// Buffer is a pooled byte buffer. Its tier is fixed for its lifetime.
type Buffer struct {
	data     []byte
	tier     int // index into Pool.tiers, -1 for unpooled overflow
	released bool
}

// Bytes returns the full backing slice.
func (b *Buffer) Bytes() []byte { return b.data }

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Tier describes one buffer size class.
type Tier struct {
	Size int // buffer capacity in bytes
	Cap  int // max buffers kept on the free list
}

// Pool hands out buffers from the smallest tier that fits.
type Pool struct {
	tiers []Tier
	free  []chan *Buffer
}

// New builds a pool from the configured tiers, sorted by size.
func New(tiers []Tier) (*Pool, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("bufpool: at least one tier required")
	}
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size < sorted[j].Size })
	for i, tr := range sorted {
		if tr.Size <= 0 || tr.Cap < 0 {
			return nil, fmt.Errorf("bufpool: invalid tier %d: size=%d cap=%d", i, tr.Size, tr.Cap)
		}
		if i > 0 && tr.Size == sorted[i-1].Size {
			return nil, fmt.Errorf("bufpool: duplicate tier size %d", tr.Size)
		}
	}
	p := &Pool{tiers: sorted, free: make([]chan *Buffer, len(sorted))}
	for i, tr := range sorted {
		p.free[i] = make(chan *Buffer, tr.Cap)
	}
	return p, nil
}

// Acquire returns a buffer of at least sizeHint bytes from the smallest
// fitting tier. Hints above the largest tier get a raw allocation that
// will never be pooled on release.
func (p *Pool) Acquire(sizeHint int) *Buffer {
	for i, tr := range p.tiers {
		if tr.Size < sizeHint {
			continue
		}
		select {
		case b := <-p.free[i]:
			b.released = false
			return b
		default:
			return &Buffer{data: make([]byte, tr.Size), tier: i}
		}
	}
	return &Buffer{data: make([]byte, sizeHint), tier: -1}
}

// Release clears the buffer and returns it to its tier's free list.
// Buffers past the tier cap, overflow buffers, and repeat releases are
// dropped, so releasing twice never duplicates a buffer in the pool.
func (p *Pool) Release(b *Buffer) {
	if b == nil || b.released {
		return
	}
	b.released = true
	if b.tier < 0 {
		return
	}
	clear(b.data)
	select {
	case p.free[b.tier] <- b:
	default:
		// Tier at cap: drop for GC rather than queue.
	}
}

// TierSizes returns the configured tier sizes in ascending order.
func (p *Pool) TierSizes() []int {
	out := make([]int, len(p.tiers))
	for i, tr := range p.tiers {
		out[i] = tr.Size
	}
	return out
}

// Idle returns the number of pooled buffers per tier, for metrics.
func (p *Pool) Idle() []int {
	out := make([]int, len(p.free))
	for i, ch := range p.free {
		out[i] = len(ch)
	}
	return out
}
