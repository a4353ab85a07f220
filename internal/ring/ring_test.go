package ring

import (
	"bytes"
	"fmt"
	"testing"

	"relayd/pkg/types"
)

func newTestChannel(t *testing.T, slotSize, slotCount int) *Channel {
	t.Helper()
	ch, err := Create(fmt.Sprintf("relayd-test-%s", t.Name()), slotSize, slotCount)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(ch.Close)
	return ch
}

func TestWriteReadOrder(t *testing.T) {
	ch := newTestChannel(t, 64, 8)
	for i := 0; i < 6; i++ {
		f := Frame{Type: types.MessageStream, Payload: []byte(fmt.Sprintf("msg-%d", i))}
		if err := ch.TryWrite(f); err != nil {
			t.Fatalf("TryWrite %d: %v", i, err)
		}
	}
	for i := 0; i < 6; i++ {
		f, ok, err := ch.TryRead()
		if err != nil || !ok {
			t.Fatalf("TryRead %d: ok=%v err=%v", i, ok, err)
		}
		want := fmt.Sprintf("msg-%d", i)
		if string(f.Payload) != want {
			t.Fatalf("read order broken: got %q want %q", f.Payload, want)
		}
	}
	if _, ok, _ := ch.TryRead(); ok {
		t.Fatalf("read from drained ring succeeded")
	}
}

func TestFullRingRejectsFifthWrite(t *testing.T) {
	ch := newTestChannel(t, 32, 4)
	for i := 1; i <= 4; i++ {
		if err := ch.TryWrite(Frame{Type: types.MessageEcho, Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	// No reader draining: write 5 must fail immediately, not hang.
	if err := ch.TryWrite(Frame{Type: types.MessageEcho, Payload: []byte{5}}); err != ErrFull {
		t.Fatalf("write 5: got %v, want ErrFull", err)
	}
	// Drain one and the writer can proceed again.
	if _, ok, err := ch.TryRead(); !ok || err != nil {
		t.Fatalf("drain: ok=%v err=%v", ok, err)
	}
	if err := ch.TryWrite(Frame{Type: types.MessageEcho, Payload: []byte{5}}); err != nil {
		t.Fatalf("write after drain: %v", err)
	}
}

func TestRoundTripAllPayloadSizes(t *testing.T) {
	const slotSize = 64
	ch := newTestChannel(t, slotSize, 2)
	capacity := ch.SlotCapacity()
	for size := 0; size <= capacity; size++ {
		payload := bytes.Repeat([]byte{0xA5}, size)
		if err := ch.TryWrite(Frame{Type: types.MessageCompletion, Payload: payload}); err != nil {
			t.Fatalf("size %d write: %v", size, err)
		}
		f, ok, err := ch.TryRead()
		if !ok || err != nil {
			t.Fatalf("size %d read: ok=%v err=%v", size, ok, err)
		}
		if !bytes.Equal(f.Payload, payload) {
			t.Fatalf("size %d: payload changed in transit", size)
		}
		if f.Type != types.MessageCompletion {
			t.Fatalf("size %d: type changed: %v", size, f.Type)
		}
	}
}

func TestOversizedPayloadRejected(t *testing.T) {
	ch := newTestChannel(t, 32, 2)
	payload := make([]byte, ch.SlotCapacity()+1)
	err := ch.TryWrite(Frame{Type: types.MessageCompletion, Payload: payload})
	if !IsFrameTooLarge(err) {
		t.Fatalf("got %v, want frame-too-large", err)
	}
	// Nothing must have been published.
	if _, ok, _ := ch.TryRead(); ok {
		t.Fatalf("oversized write left a readable frame")
	}
}

func TestOpenMissingSegment(t *testing.T) {
	_, err := Open("relayd-test-no-such-segment")
	if !IsSegmentUnavailable(err) {
		t.Fatalf("got %v, want segment-unavailable", err)
	}
}

func TestOpenFindsCreatedSegment(t *testing.T) {
	ch := newTestChannel(t, 64, 4)
	got, err := Open(ch.Name())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != ch {
		t.Fatalf("Open returned a different channel")
	}
}

func TestClosedChannel(t *testing.T) {
	ch := newTestChannel(t, 64, 4)
	ch.Close()
	if err := ch.TryWrite(Frame{Type: types.MessageEcho}); err != ErrClosed {
		t.Fatalf("write after close: %v", err)
	}
	if _, _, err := ch.TryRead(); err != ErrClosed {
		t.Fatalf("read after close: %v", err)
	}
	ch.Close() // idempotent
}

func TestNoSlotObservedReadyBeforePublish(t *testing.T) {
	// Interleave writes and reads across a wrap to verify the cyclic
	// state machine: a slot is only ever readable after its write
	// completed, in write order.
	ch := newTestChannel(t, 32, 4)
	next := 0
	read := 0
	for round := 0; round < 5; round++ {
		for i := 0; i < 3; i++ {
			if err := ch.TryWrite(Frame{Type: types.MessageStream, Payload: []byte{byte(next)}}); err != nil {
				t.Fatalf("write %d: %v", next, err)
			}
			next++
		}
		for i := 0; i < 3; i++ {
			f, ok, err := ch.TryRead()
			if !ok || err != nil {
				t.Fatalf("read %d: ok=%v err=%v", read, ok, err)
			}
			if f.Payload[0] != byte(read) {
				t.Fatalf("out of order: got %d want %d", f.Payload[0], read)
			}
			read++
		}
	}
}

func TestOccupancy(t *testing.T) {
	ch := newTestChannel(t, 32, 4)
	for i := 0; i < 3; i++ {
		if err := ch.TryWrite(Frame{Type: types.MessageEcho, Payload: []byte{1}}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	used, capacity := ch.Occupancy()
	if used != 3 || capacity != 4 {
		t.Fatalf("occupancy: got %d/%d, want 3/4", used, capacity)
	}
}
