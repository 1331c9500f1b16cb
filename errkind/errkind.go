// Package errkind defines the closed taxonomy of error kinds surfaced on
// events via error_kind/error_type fields, and an error type that carries a
// Kind through the activity/engine layers while preserving the original
// cause for logging. The exported error text is always the reason string
// and kind; internal stack traces never leak into events.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is a closed string-constant taxonomy of error classes.
type Kind string

const (
	NetworkFailure    Kind = "network_failure"
	Timeout           Kind = "timeout"
	SchemaViolation   Kind = "schema_violation"
	PermissionDenied  Kind = "permission_denied"
	BadPlan           Kind = "bad_plan"
	MissingCitations  Kind = "missing_citations"
	InvalidCitation   Kind = "invalid_citation"
	ServerError       Kind = "server_error"
	BudgetExhausted   Kind = "budget_exhausted"
	RateLimited       Kind = "rate_limited"
	Cancelled         Kind = "cancelled"
	Refusal           Kind = "refusal"
	Transport         Kind = "transport"
)

// Transient reports whether errors of this kind are, by default, eligible
// for retry. Timeout and server_error are transient only within their
// attempt budget; the engine is still the one deciding whether attempts
// remain (§7).
func (k Kind) Transient() bool {
	switch k {
	case NetworkFailure, Timeout, ServerError, Transport:
		return true
	default:
		return false
	}
}

// Error is a structured failure carrying a Kind alongside a human-readable
// reason. It wraps an optional Cause for errors.Is/As chains, mirroring the
// teacher's structured tool-error pattern, generalized beyond tool
// invocation to any classified activity failure.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

// New constructs an Error of the given kind with reason.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap constructs an Error of the given kind wrapping cause, using cause's
// message as the reason when reason is empty.
func Wrap(kind Kind, reason string, cause error) *Error {
	if reason == "" && cause != nil {
		reason = cause.Error()
	}
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// Errorf formats a reason and returns an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Error implements the error interface. Only the reason is surfaced, never
// the Cause's full chain, matching the "reason string and error kind only"
// propagation policy.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return string(e.Kind)
	}
	return e.Reason
}

// Unwrap exposes Cause for errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// As extracts the Kind of err if it is (or wraps) an *Error, returning ok=false
// otherwise.
func As(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
