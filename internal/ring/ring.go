// Package ring implements the fixed-slot single-writer/single-reader
// channel the daemon shares with the editor front-end. Each slot cycles
// Empty -> Writing -> Ready -> Reading -> Empty; the writer and reader
// each own their cursor and only ever touch the slot their cursor points
// at, so the hot path needs no lock and no allocation.
//
// Fan-out to multiple logical clients happens above this layer in the
// connection registry; the ring itself assumes exactly one producer and
// one consumer goroutine per channel.
package ring

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Slot lifecycle states.
const (
	slotEmpty uint32 = iota
	slotWriting
	slotReady
	slotReading
)

// headerSize is the per-frame overhead inside a slot:
// 4-byte little-endian payload length + 1-byte message type.
const headerSize = 5

// paddedState keeps each slot state on its own cache line so the
// writer's and reader's CAS traffic doesn't false-share.
type paddedState struct {
	v atomic.Uint32
	_ [60]byte
}

// Channel is a fixed-slot ring. One writer, one reader.
type Channel struct {
	name      string
	slotSize  int
	slotCount int

	states []paddedState
	data   []byte // slotCount * slotSize, framed [len][type][payload]

	writeCur atomic.Uint64
	readCur  atomic.Uint64

	closed atomic.Bool
}

// segments models the named shared-memory namespace: channels are
// discoverable by well-known identifier, and opening an absent name is a
// connection failure for the client, not a crash.
var segments sync.Map // name -> *Channel

// Create allocates and registers a channel under name.
func Create(name string, slotSize, slotCount int) (*Channel, error) {
	if slotSize <= headerSize {
		return nil, fmt.Errorf("ring: slot size %d leaves no payload room (header is %d bytes)", slotSize, headerSize)
	}
	if slotCount < 1 {
		return nil, fmt.Errorf("ring: slot count must be positive, got %d", slotCount)
	}
	ch := &Channel{
		name:      name,
		slotSize:  slotSize,
		slotCount: slotCount,
		states:    make([]paddedState, slotCount),
		data:      make([]byte, slotSize*slotCount),
	}
	segments.Store(name, ch)
	return ch, nil
}

// Open attaches to an existing channel by name.
func Open(name string) (*Channel, error) {
	v, ok := segments.Load(name)
	if !ok {
		return nil, ErrSegmentUnavailable(name)
	}
	return v.(*Channel), nil
}

// Close unregisters the channel. Subsequent writes and reads fail with
// ErrClosed. Close is idempotent.
func (c *Channel) Close() {
	if c.closed.CompareAndSwap(false, true) {
		segments.Delete(c.name)
	}
}

// Name returns the well-known identifier the channel was created under.
func (c *Channel) Name() string { return c.name }

// SlotCapacity returns the maximum payload size a slot can carry.
func (c *Channel) SlotCapacity() int { return c.slotSize - headerSize }

// TryWrite publishes one frame into the next slot. It never blocks: if
// the slot is not Empty the ring is full and the caller gets ErrFull
// immediately. A slot observed Empty that fails the CAS means another
// writer raced us or the state machine is corrupt; either way the
// single-writer contract is broken and the channel must be recreated.
func (c *Channel) TryWrite(f Frame) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(f.Payload) > c.SlotCapacity() {
		return frameTooLargeError{size: len(f.Payload), max: c.SlotCapacity()}
	}

	cur := c.writeCur.Load()
	idx := int(cur % uint64(c.slotCount))
	st := &c.states[idx].v

	if st.Load() != slotEmpty {
		return ErrFull
	}
	if !st.CompareAndSwap(slotEmpty, slotWriting) {
		return transportFaultError{slot: idx, want: slotEmpty, got: st.Load()}
	}

	base := idx * c.slotSize
	putFrame(c.data[base:base+c.slotSize], f)

	if !st.CompareAndSwap(slotWriting, slotReady) {
		return transportFaultError{slot: idx, want: slotWriting, got: st.Load()}
	}
	c.writeCur.Store(cur + 1)
	return nil
}

// TryReadInto consumes the next Ready frame, copying its payload into
// dst. Returns ok=false immediately if the next slot is not Ready. dst
// must hold at least SlotCapacity bytes; the returned frame's payload
// aliases dst.
func (c *Channel) TryReadInto(dst []byte) (Frame, bool, error) {
	if c.closed.Load() {
		return Frame{}, false, ErrClosed
	}

	cur := c.readCur.Load()
	idx := int(cur % uint64(c.slotCount))
	st := &c.states[idx].v

	if st.Load() != slotReady {
		return Frame{}, false, nil
	}
	if !st.CompareAndSwap(slotReady, slotReading) {
		return Frame{}, false, transportFaultError{slot: idx, want: slotReady, got: st.Load()}
	}

	base := idx * c.slotSize
	f, err := getFrame(c.data[base:base+c.slotSize], dst)
	if err != nil {
		// Corrupted header inside a Ready slot: the state machine is
		// no longer trustworthy.
		return Frame{}, false, transportFaultError{slot: idx, want: slotReady, got: st.Load()}
	}

	if !st.CompareAndSwap(slotReading, slotEmpty) {
		return Frame{}, false, transportFaultError{slot: idx, want: slotReading, got: st.Load()}
	}
	c.readCur.Store(cur + 1)
	return f, true, nil
}

// TryRead is TryReadInto with an owned payload copy. Prefer TryReadInto
// with a pooled buffer on the poll loop.
func (c *Channel) TryRead() (Frame, bool, error) {
	return c.TryReadInto(make([]byte, c.SlotCapacity()))
}

// Occupancy reports slots currently holding an unconsumed frame, for
// metrics only.
func (c *Channel) Occupancy() (used, capacity int) {
	w := c.writeCur.Load()
	r := c.readCur.Load()
	return int(w - r), c.slotCount
}
