// Package errors provides structured error types for the storefront sync
// core. Errors carry the operation, the component that failed, a kind for
// classification, and a retryability flag so callers can decide between
// surfacing a recoverable notification and retrying silently.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of failure that occurred.
type ErrorCode string

const (
	ErrCodeTransportFailure  ErrorCode = "TRANSPORT_FAILURE"
	ErrCodeWriteFailure      ErrorCode = "WRITE_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
)

// Kind classifies an error for handling policy decisions.
type Kind string

const (
	KindTransport Kind = "transport"
	KindWrite     Kind = "write"
	KindStorage   Kind = "storage"
	KindStale     Kind = "stale"
	KindTimeout   Kind = "timeout"
	KindInvalid   Kind = "invalid"
	KindInternal  Kind = "internal"
)

// Op names the sync operation during which an error occurred.
type Op string

const (
	OpSubscribe Op = "subscribe"
	OpChannel   Op = "channel"
	OpApply     Op = "apply"
	OpResync    Op = "resync"
	OpMutate    Op = "mutate"
	OpRollback  Op = "rollback"
	OpPersist   Op = "persist"
	OpClose     Op = "close"
)

// Component names the part of the kit an error originated in, e.g.
// "source", "registry", "cache", "mutation", "storage/sqlite".
type Component string

// SyncError is the structured error used throughout the kit.
type SyncError struct {
	// Op is the operation during which the error occurred.
	Op Op

	// Component generated the error.
	Component Component

	// Kind classifies the error.
	Kind Kind

	// Code is the coarse failure code.
	Code ErrorCode

	// Err is the underlying cause.
	Err error

	// Retryable reports whether retrying the operation may succeed.
	Retryable bool

	// Metadata carries additional context for logging.
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	msg := string(e.Op) + " operation failed"
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *SyncError) Unwrap() error { return e.Err }

// E builds a SyncError from a variadic list of typed arguments: Op,
// Component, Kind, ErrorCode, an underlying error, a string message (which
// wraps the cause if one was already given), a bool for retryability, and
// a map for metadata. Later arguments of the same type win.
func E(args ...interface{}) *SyncError {
	e := &SyncError{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Component:
			e.Component = a
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case error:
			e.Err = a
		case string:
			if e.Err != nil {
				e.Err = fmt.Errorf("%s: %w", a, e.Err)
			} else {
				e.Err = errors.New(a)
			}
		case bool:
			e.Retryable = a
		case map[string]interface{}:
			e.Metadata = a
		}
	}
	if e.Kind == "" {
		e.Kind = kindForCode(e.Code)
	}
	return e
}

func kindForCode(code ErrorCode) Kind {
	switch code {
	case ErrCodeTransportFailure:
		return KindTransport
	case ErrCodeWriteFailure:
		return KindWrite
	case ErrCodeStorageFailure:
		return KindStorage
	case ErrCodeValidationFailure:
		return KindInvalid
	default:
		return KindInternal
	}
}

// NewTransportError creates a retryable transport SyncError.
func NewTransportError(op Op, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeTransportFailure,
		Kind:      KindTransport,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewWriteError creates a write-failure SyncError. Write failures roll back
// the optimistic change; whether a retry makes sense depends on the cause,
// so they are not retryable by default.
func NewWriteError(op Op, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeWriteFailure,
		Kind:      KindWrite,
		Op:        op,
		Component: "mutation",
		Err:       cause,
		Retryable: false,
	}
}

// NewStorageError creates a retryable local-storage SyncError.
func NewStorageError(op Op, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Kind:      KindStorage,
		Op:        op,
		Component: "storage",
		Err:       cause,
		Retryable: true,
	}
}

// NewValidationError creates a non-retryable validation SyncError.
func NewValidationError(op Op, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Kind:      KindInvalid,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// IsRetryable checks whether err is a retryable SyncError.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf returns the Kind of err if it is a SyncError, KindInternal
// otherwise.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return KindInternal
}
