// Package errkind defines the error taxonomy shared across the control plane.
// Errors are classified by kind, not by concrete type: components wrap a cause
// with a kind and callers branch on the kind with Is.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy decisions.
type Kind string

const (
	// Validation errors are caller mistakes. Never retried.
	Validation Kind = "validation"
	// NotFound means the referenced aggregate does not exist.
	NotFound Kind = "not_found"
	// Conflict means a CAS version mismatch, duplicate idempotency key with a
	// different payload, or an illegal state transition.
	Conflict Kind = "conflict"
	// SessionLost means the agent channel died while an outbound call was in
	// flight. Transient.
	SessionLost Kind = "session_lost"
	// Timeout covers ack, job, approval and step deadlines.
	Timeout Kind = "timeout"
	// Executor means a step executor failed with a typed reason.
	Executor Kind = "executor"
	// Backpressure means a bounded queue or buffer refused the write.
	Backpressure Kind = "backpressure"
	// Internal is an unexpected invariant violation. Fatal to the in-flight
	// operation, never silently swallowed.
	Internal Kind = "internal"
)

type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.cause)
}

func (e *kindError) Unwrap() error { return e.cause }

// Is reports a match against another error of the same kind, so
// errors.Is(err, errkind.New(errkind.Conflict, ...)) and KindOf both work.
func (e *kindError) Is(target error) bool {
	t, ok := target.(*kindError)
	return ok && t.kind == e.kind
}

// New wraps cause with a kind. A nil cause yields a bare kind error.
func New(kind Kind, cause error) error {
	if cause == nil {
		cause = errors.New(string(kind))
	}
	return &kindError{kind: kind, cause: cause}
}

// Errorf is New with formatting.
func Errorf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, cause: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err, walking the wrap chain. Unclassified
// errors report Internal.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return Internal
}

// IsKind reports whether err carries kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind == kind
	}
	return false
}

// Transient reports whether err may be retried by a higher layer.
func Transient(err error) bool {
	switch KindOf(err) {
	case SessionLost, Conflict, Timeout:
		return true
	default:
		return false
	}
}
