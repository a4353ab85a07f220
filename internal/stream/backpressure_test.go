package stream

import (
	"testing"
	"time"
)

func TestBackpressureBounds(t *testing.T) {
	if _, err := NewBackpressure(0, 4, time.Millisecond); err == nil {
		t.Fatalf("min 0 accepted")
	}
	if _, err := NewBackpressure(8, 4, time.Millisecond); err == nil {
		t.Fatalf("max < min accepted")
	}
}

func TestPushFailsAtTarget(t *testing.T) {
	b, err := NewBackpressure(2, 8, time.Millisecond)
	if err != nil {
		t.Fatalf("NewBackpressure: %v", err)
	}
	if err := b.Push(Token{}); err != nil {
		t.Fatalf("push 1: %v", err)
	}
	if err := b.Push(Token{}); err != nil {
		t.Fatalf("push 2: %v", err)
	}
	if err := b.Push(Token{}); err != ErrBufferFull {
		t.Fatalf("push 3: got %v, want ErrBufferFull", err)
	}
}

func TestSlowConsumerGrowsTargetTowardMax(t *testing.T) {
	const threshold = 10 * time.Millisecond
	b, err := NewBackpressure(4, 64, threshold)
	if err != nil {
		t.Fatalf("NewBackpressure: %v", err)
	}
	for i := 0; i < 10; i++ {
		b.ObserveDrain(threshold + time.Millisecond)
	}
	if got := b.Target(); got != 64 {
		t.Fatalf("target: %d, want 64", got)
	}
	// Never exceeds max even under continued slowness.
	b.ObserveDrain(time.Second)
	if got := b.Target(); got != 64 {
		t.Fatalf("target exceeded max: %d", got)
	}
}

func TestFastConsumerShrinksTargetTowardMin(t *testing.T) {
	const threshold = 10 * time.Millisecond
	b, err := NewBackpressure(4, 64, threshold)
	if err != nil {
		t.Fatalf("NewBackpressure: %v", err)
	}
	for i := 0; i < 6; i++ {
		b.ObserveDrain(threshold + time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		b.ObserveDrain(time.Millisecond)
	}
	if got := b.Target(); got != 4 {
		t.Fatalf("target: %d, want 4", got)
	}
	b.ObserveDrain(time.Nanosecond)
	if got := b.Target(); got != 4 {
		t.Fatalf("target dropped below min: %d", got)
	}
}

func TestDeepQueueDefersShrink(t *testing.T) {
	b, err := NewBackpressure(2, 16, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewBackpressure: %v", err)
	}
	b.ObserveDrain(time.Second) // target 4
	for i := 0; i < 4; i++ {
		if err := b.Push(Token{Seq: i}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	// Fast drain observation with a deep queue must not shrink yet.
	b.ObserveDrain(time.Millisecond)
	if got := b.Target(); got != 4 {
		t.Fatalf("target shrank under deep queue: %d", got)
	}
}

func TestPopPreservesArrivalOrder(t *testing.T) {
	b, err := NewBackpressure(4, 8, time.Millisecond)
	if err != nil {
		t.Fatalf("NewBackpressure: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := b.Push(Token{Seq: i}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		tok, ok := b.Pop()
		if !ok || tok.Seq != i {
			t.Fatalf("pop %d: ok=%v seq=%d", i, ok, tok.Seq)
		}
	}
	if _, ok := b.Pop(); ok {
		t.Fatalf("pop from empty buffer succeeded")
	}
}
