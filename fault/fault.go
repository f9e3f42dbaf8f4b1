// Package fault defines the error taxonomy shared by node executors, the
// workflow runtime, and the HTTP API. Executors classify failures into a Kind;
// the runtime decides retry and error-policy behavior from the classification,
// and the API maps kinds to HTTP status codes.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. The set mirrors the classifications connectors
// and executors are allowed to return; the runtime and API derive behavior
// (retry, status code) from the kind alone.
type Kind string

const (
	// KindValidation indicates user input was rejected.
	KindValidation Kind = "validation"
	// KindAuth indicates missing or rejected credentials.
	KindAuth Kind = "auth"
	// KindNotFound indicates a referenced resource does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict indicates a state conflict (duplicate, stale version).
	KindConflict Kind = "conflict"
	// KindRateLimited indicates the upstream throttled the call.
	KindRateLimited Kind = "rate_limited"
	// KindTimeout indicates the call exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindNetwork indicates a transport-level failure.
	KindNetwork Kind = "network"
	// KindServer indicates an upstream 5xx or internal failure.
	KindServer Kind = "server"
	// KindCancelled indicates the operation observed cancellation.
	KindCancelled Kind = "cancelled"
	// KindDeadlock indicates the engine detected unsatisfiable dependencies.
	// This is an engine invariant violation and is always fatal.
	KindDeadlock Kind = "deadlock"
	// KindUnknown is used when no more specific classification applies.
	KindUnknown Kind = "unknown"
)

// Error is a classified failure. Node executors return *Error values so the
// runtime can apply retry budgets and per-node error policies uniformly.
type Error struct {
	// Kind is the failure classification.
	Kind Kind
	// Message is a human-readable description safe to surface to users.
	Message string
	// Retryable marks the failure as transient. The runtime retries retryable
	// errors with exponential backoff before applying the node's error policy.
	Retryable bool
	// Details carries optional structured context (status codes, field names).
	Details map[string]any
	// cause is the wrapped underlying error, if any.
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// New constructs a permanent classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Retryable: defaultRetryable(kind)}
}

// Newf constructs a permanent classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies an existing error, preserving it as the cause for
// errors.Is/As chains.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Retryable: defaultRetryable(kind), cause: err}
}

// Retryable constructs a transient classified error regardless of the kind's
// default retryability.
func Retryable(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Retryable: true}
}

// Permanent constructs a non-retryable classified error regardless of the
// kind's default retryability.
func Permanent(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Retryable: false}
}

// WithDetails attaches structured context and returns the error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// defaultRetryable reports whether a kind is transient by default.
// rate_limited, timeout, network and server failures are worth retrying;
// everything else requires intervention.
func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindRateLimited, KindTimeout, KindNetwork, KindServer:
		return true
	default:
		return false
	}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// KindUnknown; context cancellation reports KindCancelled and deadline expiry
// KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindUnknown
}

// IsRetryable reports whether the error chain contains a retryable fault.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// AsError converts any error to a classified *Error, preserving existing
// classification and wrapping unclassified errors as KindUnknown.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: KindUnknown, Message: err.Error(), cause: err}
}

// HTTPStatus maps a kind to the HTTP status the API responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}
