package sandbox

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies provider and orchestration failures for programmatic
// handling. The set is deliberately small and stable; callers dispatch on
// it instead of on backend-specific error shapes.
type Kind string

const (
	// KindProviderUnavailable means no healthy instance of the requested
	// provider exists right now. Retryable.
	KindProviderUnavailable Kind = "ProviderUnavailable"

	// KindResourceExhausted means the provider rejected the request for
	// quota or capacity reasons. Surfaced to the caller, not retried.
	KindResourceExhausted Kind = "ResourceExhausted"

	// KindTimeout means a remote call exceeded its deadline. Retryable for
	// idempotent operations.
	KindTimeout Kind = "Timeout"

	// KindNotFound means the referenced sandbox/session/resource does not
	// exist. Terminal for that target, never retried.
	KindNotFound Kind = "NotFound"

	// KindSessionBusy means a conflicting transition is in flight for the
	// same session. The caller may retry after a short delay.
	KindSessionBusy Kind = "SessionBusy"

	// KindConfigurationInvalid means provider credentials/config are
	// missing or malformed. Fatal for that provider, not for the process.
	KindConfigurationInvalid Kind = "ConfigurationInvalid"
)

// Error is the normalized failure shape crossing the provider boundary.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError constructs a taxonomy error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError wraps a backend error into a taxonomy error.
func WrapError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the taxonomy kind from err. Unclassified errors report
// ProviderUnavailable, the conservative retryable default for remote
// failures, except context deadline errors which map to Timeout.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindProviderUnavailable
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Retryable reports whether the failure is worth retrying. Only transient
// transport-level conditions qualify.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindProviderUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// Normalize folds context cancellation/deadline errors into the taxonomy
// so variants do not leak raw context errors.
func Normalize(err error, message string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(KindTimeout, message, err)
	}
	if errors.Is(err, context.Canceled) {
		return WrapError(KindTimeout, message+" (canceled)", err)
	}
	return WrapError(KindProviderUnavailable, message, err)
}
