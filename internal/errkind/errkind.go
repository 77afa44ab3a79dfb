// Package errkind classifies orchestrator failures into the stable taxonomy
// clients and retry policies reason about: InvalidParams, NotFound,
// Unauthorized, Transient, Canceled, PartialFailure, and Fatal. Errors
// carry an explicit Kind and an optional cause chain so callers can branch
// on classification without string matching.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error classification. Terminal job
// events and dispatch responses carry a Kind so clients never have to parse
// free-form error strings.
type Kind string

const (
	// InvalidParams indicates request parameters failed schema validation.
	// Never retried.
	InvalidParams Kind = "InvalidParams"
	// NotFound indicates an unknown job id, report id, or cache key.
	NotFound Kind = "NotFound"
	// Unauthorized indicates a missing or invalid credential. Passed through
	// from the transport layer.
	Unauthorized Kind = "Unauthorized"
	// Transient indicates a retryable failure: storage connection reset,
	// provider 5xx/429, deadlock.
	Transient Kind = "Transient"
	// Canceled indicates a cooperative cancellation was observed. Terminal,
	// not an error for the client-initiated case.
	Canceled Kind = "Canceled"
	// PartialFailure indicates a research job where fewer than half the
	// sub-queries succeeded.
	PartialFailure Kind = "PartialFailure"
	// Fatal indicates an unrecoverable failure: schema mismatch, embedding
	// dimension mismatch, provider auth failure.
	Fatal Kind = "Fatal"
)

// Error is a structured, classified failure. It implements error and
// supports errors.Is/As through Unwrap so callers can test for both a
// specific Kind and an underlying sentinel/cause.
type Error struct {
	// Kind is the stable classification used for retry policy and
	// client-visible error reporting.
	Kind Kind
	// Message is the human-readable summary.
	Message string
	// Stage optionally names the pipeline stage that produced the error
	// (e.g. "plan", "research", "synthesis"), surfaced in terminal event
	// payloads.
	Stage string
	// Cause links to the wrapped error, if any.
	Cause error
}

// New constructs a classified Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a classified Error that wraps cause, preserving the chain
// for errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithStage returns a copy of e annotated with the pipeline stage that
// produced it.
func (e *Error) WithStage(stage string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Stage = stage
	return &cp
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is a classified Error with the same Kind. This
// lets callers write errors.Is(err, errkind.New(errkind.Transient, "")) to
// test only the classification, ignoring message/cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// Classify returns the Kind of err if it is (or wraps) a classified Error,
// and Fatal otherwise — unclassified errors are treated as unrecoverable by
// default so callers must opt in to retry behavior rather than retrying
// unknown failures indefinitely.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fatal
}

// IsTransient reports whether err is classified Transient.
func IsTransient(err error) bool { return Classify(err) == Transient }

// IsCanceled reports whether err is classified Canceled.
func IsCanceled(err error) bool { return Classify(err) == Canceled }
