// Package errs defines the engine-wide error kind taxonomy. Every call site
// that can fail wraps its underlying cause with New, and callers distinguish
// kinds with errors.Is against the sentinel Err* values, or with Of.
package errs

import "fmt"

// Kind is a coarse error classification used across the engine.
type Kind string

const (
	NotFound             Kind = "not_found"
	InvariantViolation    Kind = "invariant_violation"
	IOFailure             Kind = "io_failure"
	AnnFailure            Kind = "ann_failure"
	EmbeddingFailure      Kind = "embedding_failure"
	LlmFailure            Kind = "llm_failure"
	Busy                  Kind = "busy"
	Timeout               Kind = "timeout"
	ConfigurationInvalid  Kind = "configuration_invalid"
)

// Error wraps a Kind with a human-readable message and an optional cause.
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

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, errs.ErrNotFound) work by comparing Kind against
// the Kind of an *Error passed as the target, such as the sentinels below.
func (e *Error) Is(target error) bool {
	k, ok := target.(*Error)
	if !ok {
		return false
	}
	return k.Kind == e.Kind
}

// New constructs an Error of the given kind wrapping cause (may be nil).
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// sentinels allow errors.Is(err, errs.ErrNotFound) style checks.
var (
	ErrNotFound            = &Error{Kind: NotFound, Message: "not found"}
	ErrInvariantViolation  = &Error{Kind: InvariantViolation, Message: "invariant violation"}
	ErrIOFailure           = &Error{Kind: IOFailure, Message: "io failure"}
	ErrAnnFailure          = &Error{Kind: AnnFailure, Message: "ann failure"}
	ErrEmbeddingFailure    = &Error{Kind: EmbeddingFailure, Message: "embedding failure"}
	ErrLlmFailure          = &Error{Kind: LlmFailure, Message: "llm failure"}
	ErrBusy                = &Error{Kind: Busy, Message: "busy"}
	ErrTimeout             = &Error{Kind: Timeout, Message: "timeout"}
	ErrConfigurationInvalid = &Error{Kind: ConfigurationInvalid, Message: "configuration invalid"}
)

// Of returns true if err (or any error in its chain) carries the given Kind.
func Of(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Cause
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
