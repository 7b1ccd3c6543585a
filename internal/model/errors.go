package model

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable error classification exposed at the
// dispatch surface. Transports map kinds onto their own envelopes.
type ErrorKind string

// Dispatch-surface error kinds.
const (
	KindInvalidParams       ErrorKind = "InvalidParams"
	KindNotFound            ErrorKind = "NotFound"
	KindQueryFailed         ErrorKind = "QueryFailed"
	KindGuardrailEvalFailed ErrorKind = "GuardrailEvalFailed"
	KindRecordFailed        ErrorKind = "RecordFailed"
	KindReviewFailed        ErrorKind = "ReviewFailed"
	KindImmutableField      ErrorKind = "ImmutableField"
	KindRateLimited         ErrorKind = "RateLimited"
	KindAttributionFailed   ErrorKind = "AttributionFailed"
	KindCircuitOpen         ErrorKind = "CircuitOpen"
	KindInternal            ErrorKind = "Internal"
)

// Error carries a kind, a one-line human message, and optional structured
// detail (rule id, breaker state, suggestions) for guardrail and breaker
// blocks.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
	cause   error
}

// E constructs a dispatch error.
func E(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef constructs a dispatch error with a formatted message.
func Ef(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a dispatch error that preserves the underlying cause for
// errors.Is/errors.As while presenting a clean surface message.
func Wrap(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetail attaches a structured detail field and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the error kind, defaulting to Internal for errors that did
// not originate at the dispatch surface.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
