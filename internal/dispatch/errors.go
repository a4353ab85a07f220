package dispatch

import "fmt"

// backpressureError signals admission-control rejection. Mapped to a
// structured backpressure response, never silently dropped.
type backpressureError struct{ policy Policy }

func (e backpressureError) Error() string {
	return fmt.Sprintf("dispatch: admission rejected under %s policy", e.policy)
}

// IsBackpressure reports whether err indicates admission rejection.
func IsBackpressure(err error) bool {
	_, ok := err.(backpressureError)
	return ok
}

// unsupportedError signals an unregistered message type.
type unsupportedError struct{ kind string }

func (e unsupportedError) Error() string {
	return "dispatch: unsupported message type: " + e.kind
}

// ErrUnsupported constructs an unsupportedError.
func ErrUnsupported(kind string) error { return unsupportedError{kind: kind} }

// IsUnsupported reports whether err indicates an unknown message type.
func IsUnsupported(err error) bool {
	_, ok := err.(unsupportedError)
	return ok
}

// handlerFaultError wraps a recovered handler panic. The dispatcher
// converts it to an error response and keeps running.
type handlerFaultError struct {
	kind  string
	cause any
}

func (e handlerFaultError) Error() string {
	return fmt.Sprintf("dispatch: handler for %s faulted: %v", e.kind, e.cause)
}

// IsHandlerFault reports whether err came from a recovered handler panic.
func IsHandlerFault(err error) bool {
	_, ok := err.(handlerFaultError)
	return ok
}
