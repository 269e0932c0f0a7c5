// Package recon implements the declarative reconciliation engine at the core
// of incant. Given a desired resource document and the state observed on an
// Incus server, it computes the minimal ordered list of primitive mutations
// that converges observed onto desired, applies them through a ResourceBackend,
// and reports a single changed/unchanged verdict.
package recon

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a reconciliation failure for caller-side handling.
type ErrorKind string

const (
	// KindSchemaMismatch indicates a malformed desired or observed document.
	// The shapes of the governed attribute groups do not match what the
	// merge policy declares. Fatal, never retried.
	KindSchemaMismatch ErrorKind = "schema-mismatch"

	// KindIdentityConflict indicates a rename or move whose destination
	// already exists while the source still exists. Fatal unless the caller
	// authorizes overwrite with force.
	KindIdentityConflict ErrorKind = "identity-conflict"

	// KindPartialApply indicates that some mutations were applied and a
	// subsequent one failed. The engine stops at the first failure and never
	// rolls back; the applied subset is surfaced on the result.
	KindPartialApply ErrorKind = "partial-apply"

	// KindBackendTimeout indicates the backend did not answer in time.
	// Caller-retryable; the engine itself does not retry.
	KindBackendTimeout ErrorKind = "backend-timeout"

	// KindReferentialConflict indicates a delete blocked by dependents
	// (e.g. a profile still attached to instances). Fatal unless force.
	KindReferentialConflict ErrorKind = "referential-conflict"

	// KindNotFound indicates the addressed resource does not exist.
	// Backends return it from Fetch; the Converger treats it as the signal
	// to create rather than as a failure.
	KindNotFound ErrorKind = "not-found"

	// KindBackendFailure indicates any other backend command failure.
	KindBackendFailure ErrorKind = "backend-failure"
)

// Error is the classified error type used throughout the engine.
type Error struct {
	// Kind is the failure classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the resource identity involved, if known.
	Resource string `json:"resource,omitempty"`

	// Operation is the reconciliation phase or backend primitive that failed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details carries additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is: two engine errors match when
// their kinds match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates a classified error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// WithResource adds the resource identity to the error context.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// WithOperation adds the failing operation to the error context.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the classification of err, or KindBackendFailure when err
// is not an engine error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindBackendFailure
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsSchemaMismatch reports whether err is a schema mismatch.
func IsSchemaMismatch(err error) bool {
	return KindOf(err) == KindSchemaMismatch
}

// IsIdentityConflict reports whether err is an identity conflict.
func IsIdentityConflict(err error) bool {
	return KindOf(err) == KindIdentityConflict
}

// IsPartialApply reports whether err is a partial apply failure.
func IsPartialApply(err error) bool {
	return KindOf(err) == KindPartialApply
}

// IsReferentialConflict reports whether err is a delete blocked by dependents.
func IsReferentialConflict(err error) bool {
	return KindOf(err) == KindReferentialConflict
}

// IsRetryable reports whether the caller may retry the whole reconciliation.
// Only backend timeouts qualify; every other kind is fatal.
func IsRetryable(err error) bool {
	return KindOf(err) == KindBackendTimeout
}
