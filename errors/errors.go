// Package errors provides error handling for cachet.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//   - Error marks so one error can answer errors.Is for several sentinels
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Add hints for users
//	return errors.WithHint(err, "request access to the state first")
//
//	// Check errors against the cache taxonomy
//	if errors.Is(err, errors.ErrNotReady) {
//	    // re-poll later
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSafeDetails    = crdb.WithSafeDetails
	WithSecondaryError = crdb.WithSecondaryError
	CombineErrors      = crdb.CombineErrors
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapOnce     = crdb.UnwrapOnce
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// GetStack is an alias for GetReportableStackTrace for convenience.
var GetStack = crdb.GetReportableStackTrace

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Cache error taxonomy.
// Use these with errors.Is(); wrap them with errors.Wrap() to add context while
// preserving the classification.
var (
	// ErrPermissionDenied indicates the key is not in the caller's capability set
	ErrPermissionDenied = New("permission denied")

	// ErrNotReady indicates the extraction job has not reached a terminal state
	ErrNotReady = New("not ready")

	// ErrJobFailed indicates the extraction job terminated with a failure
	ErrJobFailed = New("job failed")

	// ErrNotFound indicates the cache key or state id is unknown
	ErrNotFound = New("not found")

	// ErrInvalidDescriptor indicates the descriptor could not be canonicalized or hashed
	ErrInvalidDescriptor = New("invalid descriptor")

	// ErrInconsistentState marks metadata that points at missing content.
	// Errors carrying this mark also match ErrNotFound.
	ErrInconsistentState = New("inconsistent state")

	// ErrAccessRefused indicates a saved state cannot be materialized for the session
	ErrAccessRefused = New("access refused")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a lost compare-and-set race
	ErrConflict = New("resource conflict")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsPermissionDenied checks if an error is or wraps ErrPermissionDenied
func IsPermissionDenied(err error) bool {
	return err != nil && Is(err, ErrPermissionDenied)
}

// IsNotReady checks if an error is or wraps ErrNotReady
func IsNotReady(err error) bool {
	return err != nil && Is(err, ErrNotReady)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewPermissionDeniedError creates a permission error for a key
func NewPermissionDeniedError(key string) error {
	err := Wrapf(ErrPermissionDenied, "key %s", key)
	return WithHint(err, "the key must be granted to this session by a submission or a state access request")
}

// NewNotReadyError creates a not-ready error for a key in the given state
func NewNotReadyError(key string, state string) error {
	return Wrapf(ErrNotReady, "key %s is %s", key, state)
}

// NewJobFailedError carries the underlying job's error text
func NewJobFailedError(key string, jobErr string) error {
	return Wrapf(ErrJobFailed, "key %s: %s", key, jobErr)
}

// NewInvalidDescriptorError wraps a canonicalization failure
func NewInvalidDescriptorError(cause error) error {
	return Wrap(Wrap(ErrInvalidDescriptor, cause.Error()), "descriptor")
}

// NewInconsistentStateError reports metadata without content. The result matches
// both ErrNotFound and ErrInconsistentState.
func NewInconsistentStateError(format string, args ...interface{}) error {
	return Mark(NewNotFoundError(format, args...), ErrInconsistentState)
}
