// Package errors provides structured error types for the state-sync engine.
package errors

import (
	"errors"
	"fmt"
)

// Code classifies the failure for logging and retry decisions.
type Code string

const (
	CodeNetworkFailure    Code = "NETWORK_FAILURE"
	CodeStorageFailure    Code = "STORAGE_FAILURE"
	CodeConflictFailure   Code = "CONFLICT_FAILURE"
	CodeValidationFailure Code = "VALIDATION_FAILURE"
)

// Operation names the engine operation during which an error occurred.
type Operation string

const (
	OpEnqueue   Operation = "enqueue"
	OpDrain     Operation = "drain"
	OpApply     Operation = "apply"
	OpPush      Operation = "push"
	OpPull      Operation = "pull"
	OpReconcile Operation = "reconcile"
	OpResolve   Operation = "resolve"
	OpCycle     Operation = "cycle"
	OpClose     Operation = "close"
)

// SyncError is an error annotated with the operation and component that
// produced it, plus whether retrying the operation can help.
type SyncError struct {
	// Op is the operation during which the error occurred.
	Op Operation

	// Component generated the error (e.g., "store", "remote", "resolver").
	Component string

	// Err is the underlying cause.
	Err error

	// Retryable reports whether the operation may succeed if repeated.
	Retryable bool

	// Code classifies the failure.
	Code Code

	// Metadata carries additional context for diagnostics.
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s failed in %s", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s failed", e.Op)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// New creates a SyncError with no classification.
func New(op Operation, err error) *SyncError {
	return &SyncError{Op: op, Err: err}
}

// NewWithComponent creates a SyncError attributed to a component.
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{Op: op, Component: component, Err: err}
}

// NewNetworkError creates a retryable remote/transport SyncError.
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      CodeNetworkFailure,
		Op:        op,
		Component: "remote",
		Err:       cause,
		Retryable: true,
	}
}

// NewStorageError creates a retryable local-store SyncError.
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      CodeStorageFailure,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: true,
	}
}

// NewConflictError creates a non-retryable resolution SyncError.
func NewConflictError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      CodeConflictFailure,
		Op:        op,
		Component: "resolver",
		Err:       cause,
		Retryable: false,
	}
}

// NewValidationError creates a non-retryable caller-error SyncError.
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      CodeValidationFailure,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewRetryable creates a retryable SyncError without a code.
func NewRetryable(op Operation, err error) *SyncError {
	return &SyncError{Op: op, Err: err, Retryable: true}
}

// IsRetryable reports whether err is (or wraps) a retryable SyncError.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}
