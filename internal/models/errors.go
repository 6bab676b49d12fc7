package models

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection marks transport-level failures. Always retried via backoff.
	ErrConnection = errors.New("connection error")

	// ErrNotConnected is returned when an operation needs an open stream
	ErrNotConnected = errors.New("not connected")

	// ErrServiceNotFound is returned for an unknown streaming service name
	ErrServiceNotFound = errors.New("service not found")

	// ErrInvalidConfiguration is returned synchronously for bad batch sizes or thresholds
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrPersistence marks a failed storage write
	ErrPersistence = errors.New("persistence error")

	// ErrMissingPartition is the storage signature for a write into a time range
	// that has no partition yet
	ErrMissingPartition = errors.New("no partition for this range")

	// ErrProcessing marks a malformed or unexpected event
	ErrProcessing = errors.New("processing error")

	// ErrBackpressure is returned when the persistence pool is saturated and
	// the event was dropped
	ErrBackpressure = errors.New("processor saturated, event dropped")
)

// ConnectionError wraps a transport failure with the operation that failed
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "connection error: " + e.Op
	}
	return "connection error: " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// NewConnectionError creates a ConnectionError for op
func NewConnectionError(op string, err error) *ConnectionError {
	return &ConnectionError{Op: op, Err: err}
}

// ServiceNotFoundError names the service that was looked up
type ServiceNotFoundError struct {
	Name string
}

func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("service not found: %q", e.Name)
}

func (e *ServiceNotFoundError) Is(target error) bool { return target == ErrServiceNotFound }

// InvalidConfigurationError describes a rejected configuration value
type InvalidConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration [%s=%v]: %s", e.Field, e.Value, e.Reason)
}

func (e *InvalidConfigurationError) Is(target error) bool { return target == ErrInvalidConfiguration }

// PersistenceError carries the natural key of the record that failed to persist
type PersistenceError struct {
	Table string
	Key   string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s [%s]: %v", e.Table, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// ProcessingError describes why an event could not be converted
type ProcessingError struct {
	Reason string
	Err    error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return "processing error: " + e.Reason + ": " + e.Err.Error()
	}
	return "processing error: " + e.Reason
}

func (e *ProcessingError) Unwrap() error { return e.Err }

func (e *ProcessingError) Is(target error) bool { return target == ErrProcessing }
