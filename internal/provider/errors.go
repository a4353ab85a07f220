package provider

import (
	"context"
	"errors"
	"fmt"
)

// noProviderAvailableError signals that every provider is open,
// over budget, or exhausted its failover retries.
type noProviderAvailableError struct{ attempts int }

func (e noProviderAvailableError) Error() string {
	return fmt.Sprintf("provider: no provider available after %d attempts", e.attempts)
}

// ErrNoProviderAvailable constructs the pool-exhaustion error, for
// failover loops driven outside the pool.
func ErrNoProviderAvailable(attempts int) error {
	return noProviderAvailableError{attempts: attempts}
}

// IsNoProviderAvailable reports whether err means the whole pool is
// unavailable.
func IsNoProviderAvailable(err error) bool {
	_, ok := err.(noProviderAvailableError)
	return ok
}

// FailureKind classifies an upstream failure for routing purposes.
type FailureKind int

const (
	// FailureRetryable covers transient upstream errors: the pool
	// fails over to the next eligible provider.
	FailureRetryable FailureKind = iota
	// FailureNonRetryable covers errors that would fail identically on
	// any provider (bad request, auth). Surfaced immediately.
	FailureNonRetryable
	// FailureTimeout is retryable but tracked separately.
	FailureTimeout
)

func (k FailureKind) String() string {
	switch k {
	case FailureRetryable:
		return "retryable"
	case FailureNonRetryable:
		return "non_retryable"
	case FailureTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Retryable reports whether the pool should fail over after this kind.
func (k FailureKind) Retryable() bool { return k != FailureNonRetryable }

// CallError wraps a provider failure with its classification so the
// failover loop and the client-facing error token agree on the kind.
type CallError struct {
	ProviderID string
	Kind       FailureKind
	Err        error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("provider %s: %s failure: %v", e.ProviderID, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// ClassifyError maps an arbitrary call error to a FailureKind. A
// CallError carries its own classification; a blown deadline is a
// timeout; anything else is treated as transient.
func ClassifyError(err error) FailureKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureRetryable
}
