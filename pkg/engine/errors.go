// Package engine provides the core synchronization engine keeping an issue
// tracker and a time-tracking system consistent. It covers batch and
// single-item sync paths, conflict resolution, and data transformation.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and recovery decisions.
type ErrorClass string

const (
	// ClassTransport indicates a network or API transport failure.
	// Retryable.
	ClassTransport ErrorClass = "transport"

	// ClassStorage indicates a state-store failure. Retryable with
	// backoff; aborts only the current unit of work.
	ClassStorage ErrorClass = "storage"

	// ClassConflict indicates a source/target conflict that requires
	// operator input. Non-retryable.
	ClassConflict ErrorClass = "conflict"

	// ClassConfig indicates a configuration error such as an unknown
	// transform. Non-retryable, fails fast.
	ClassConfig ErrorClass = "config"

	// ClassQueue indicates the webhook queue backend is unreachable.
	// Triggers the degraded direct-processing fallback.
	ClassQueue ErrorClass = "queue"
)

// Sentinel errors surfaced to callers.
var (
	// ErrManualResolutionRequired is returned by the manual conflict
	// strategy: the engine never guesses a side.
	ErrManualResolutionRequired = errors.New("manual conflict resolution required")

	// ErrUnknownTransform is returned when a transform name has no
	// registered mapping.
	ErrUnknownTransform = errors.New("unknown transform")

	// ErrQueueUnavailable is returned when the queue backend cannot be
	// reached.
	ErrQueueUnavailable = errors.New("webhook queue unavailable")

	// ErrOperationNotFound is returned for lookups of unknown operations.
	ErrOperationNotFound = errors.New("sync operation not found")
)

// SyncError is a classified error with item and operation context.
type SyncError struct {
	Class     ErrorClass
	Message   string
	Operation string
	ItemID    string
	Err       error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("[%s] %s (item=%s): %s", e.Class, e.Message, e.ItemID, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *SyncError) Unwrap() error {
	return e.Err
}

func (e *SyncError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is matches two SyncErrors by class.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// NewTransportError creates a transport-class error.
func NewTransportError(message string, err error) *SyncError {
	return &SyncError{Class: ClassTransport, Message: message, Err: err}
}

// NewStorageError creates a storage-class error.
func NewStorageError(message string, err error) *SyncError {
	return &SyncError{Class: ClassStorage, Message: message, Err: err}
}

// NewConflictError creates a conflict-class error.
func NewConflictError(message string, err error) *SyncError {
	return &SyncError{Class: ClassConflict, Message: message, Err: err}
}

// NewConfigError creates a config-class error.
func NewConfigError(message string, err error) *SyncError {
	return &SyncError{Class: ClassConfig, Message: message, Err: err}
}

// NewQueueError creates a queue-class error.
func NewQueueError(message string, err error) *SyncError {
	return &SyncError{Class: ClassQueue, Message: message, Err: err}
}

// WithItem adds item context to an error.
func (e *SyncError) WithItem(itemID string) *SyncError {
	e.ItemID = itemID
	return e
}

// WithOperation adds operation context to an error.
func (e *SyncError) WithOperation(operation string) *SyncError {
	e.Operation = operation
	return e
}

// classOf extracts the error class, defaulting to transport for plain
// errors so unclassified network failures remain retryable.
func classOf(err error) ErrorClass {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Class
	}
	switch {
	case errors.Is(err, ErrManualResolutionRequired):
		return ClassConflict
	case errors.Is(err, ErrUnknownTransform):
		return ClassConfig
	case errors.Is(err, ErrQueueUnavailable):
		return ClassQueue
	}
	return ClassTransport
}

// IsTransport reports whether the error is transport-class.
func IsTransport(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Class == ClassTransport
	}
	return false
}

// IsStorage reports whether the error is storage-class.
func IsStorage(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Class == ClassStorage
	}
	return false
}

// IsConflict reports whether the error is conflict-class.
func IsConflict(err error) bool {
	if errors.Is(err, ErrManualResolutionRequired) {
		return true
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Class == ClassConflict
	}
	return false
}

// IsRetryable reports whether the error may succeed on retry.
// Transport and storage errors are retryable; conflict, config, and
// queue errors are not.
func IsRetryable(err error) bool {
	switch classOf(err) {
	case ClassTransport, ClassStorage:
		return true
	default:
		return false
	}
}
