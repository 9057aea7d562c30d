// Package errs defines the stable error kinds surfaced across ThemisDB's
// public APIs.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable error identifier, matching the taxonomy every component
// reports against.
type Kind string

const (
	Parse            Kind = "Parse"
	Plan             Kind = "Plan"
	NotFound         Kind = "NotFound"
	BadEncoding      Kind = "BadEncoding"
	UniqueViolation  Kind = "UniqueViolation"
	PolicyDenied     Kind = "PolicyDenied"
	KeyUnavailable   Kind = "KeyUnavailable"
	AuthFailure      Kind = "AuthFailure"
	Cardinality      Kind = "Cardinality"
	Timeout          Kind = "Timeout"
	RateLimited      Kind = "RateLimited"
	IndexCorrupt     Kind = "IndexCorrupt"
	ChainViolation   Kind = "ChainViolation"
	IOError          Kind = "IOError"
	BadGeometry      Kind = "BadGeometry"
	ConfigInvalid    Kind = "ConfigInvalid"
	IntegrityViolation Kind = "IntegrityViolation"
	StorageCorrupt   Kind = "StorageCorrupt"
)

// Error is the concrete error type carried through ThemisDB's result
// returns. Use errors.As to recover the Kind and Fields at a call site.
type Error struct {
	Kind   Kind
	Msg    string
	Cause  error
	Fields map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an underlying cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// WithField attaches a structured field to the error for logging/inspection,
// returning the same *Error for chaining.
func (e *Error) WithField(k string, v any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[k] = v
	return e
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err does not carry one.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
