package ring

import "fmt"

// ErrFull is returned by TryWrite when the next slot is not Empty.
// It is a normal backpressure signal, not a fault.
var ErrFull = fmt.Errorf("ring: channel full")

// ErrClosed is returned after Close.
var ErrClosed = fmt.Errorf("ring: channel closed")

// frameTooLargeError signals a payload exceeding slot capacity.
// Oversized frames are rejected, never fragmented.
type frameTooLargeError struct {
	size, max int
}

func (e frameTooLargeError) Error() string {
	return fmt.Sprintf("ring: frame payload %d bytes exceeds slot capacity %d", e.size, e.max)
}

// IsFrameTooLarge reports whether err indicates an oversized payload.
func IsFrameTooLarge(err error) bool {
	_, ok := err.(frameTooLargeError)
	return ok
}

// transportFaultError signals a violated slot state machine. The channel
// must be recreated; callers escalate to the reconnection monitor.
type transportFaultError struct {
	slot      int
	want, got uint32
}

func (e transportFaultError) Error() string {
	return fmt.Sprintf("ring: transport fault at slot %d: state %s, expected %s",
		e.slot, stateName(e.got), stateName(e.want))
}

// IsTransportFault reports whether err indicates a corrupted channel.
func IsTransportFault(err error) bool {
	_, ok := err.(transportFaultError)
	return ok
}

// segmentUnavailableError signals that no channel exists under a name.
type segmentUnavailableError struct{ name string }

func (e segmentUnavailableError) Error() string {
	return "ring: segment unavailable: " + e.name
}

// ErrSegmentUnavailable constructs a segmentUnavailableError.
func ErrSegmentUnavailable(name string) error { return segmentUnavailableError{name: name} }

// IsSegmentUnavailable reports whether err indicates a missing segment.
func IsSegmentUnavailable(err error) bool {
	_, ok := err.(segmentUnavailableError)
	return ok
}

func stateName(s uint32) string {
	switch s {
	case slotEmpty:
		return "empty"
	case slotWriting:
		return "writing"
	case slotReady:
		return "ready"
	case slotReading:
		return "reading"
	default:
		return "invalid"
	}
}
