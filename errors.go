package proxyrotate

import (
	"errors"
	"fmt"
)

// Common errors returned by pool, supervisor and manager operations
var (
	// ErrEndpointExhausted indicates no free endpoint passed the acquire filter.
	// It is recoverable: the supervisor schedules a retry.
	ErrEndpointExhausted = errors.New("proxyrotate: endpoint pool exhausted")

	// ErrEmptyHolder indicates an acquire without a holder id
	ErrEmptyHolder = errors.New("proxyrotate: empty endpoint holder")

	// ErrUnknownEndpoint indicates an endpoint id that is not in the pool
	ErrUnknownEndpoint = errors.New("proxyrotate: unknown endpoint")

	// ErrEndpointNotOccupied indicates a release of an endpoint nobody holds
	ErrEndpointNotOccupied = errors.New("proxyrotate: endpoint not occupied")

	// ErrUnknownInstance indicates an instance id that is no longer tracked
	ErrUnknownInstance = errors.New("proxyrotate: unknown instance")

	// ErrDuplicateInstance indicates two expanded configs produced the same id
	ErrDuplicateInstance = errors.New("proxyrotate: duplicate instance")

	// ErrWorkerSpawn indicates the worker process failed to start or died immediately
	ErrWorkerSpawn = errors.New("proxyrotate: worker spawn failed")

	// ErrWorkerUnplannedExit indicates the worker exited without a stop request
	ErrWorkerUnplannedExit = errors.New("proxyrotate: worker exited unexpectedly")

	// ErrStopTimeout indicates a worker survived both the stop signal and the kill
	ErrStopTimeout = errors.New("proxyrotate: worker stop timeout")

	// ErrShutdownTimeout indicates the shutdown drain did not finish in time
	ErrShutdownTimeout = errors.New("proxyrotate: shutdown timeout")

	// ErrAlreadyStarted indicates Start was called twice
	ErrAlreadyStarted = errors.New("proxyrotate: manager already started")
)

// OpError represents an error from a pool or lifecycle operation
type OpError struct {
	// Op is the operation that failed
	Op Operation
	// ID is the endpoint or instance id involved in the operation
	ID string
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *OpError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("proxyrotate %s: %v", e.Op.String(), e.Err)
	}
	return fmt.Sprintf("proxyrotate %s %q: %v", e.Op.String(), e.ID, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *OpError) Unwrap() error {
	return e.Err
}

// MultiError aggregates multiple errors from bulk operations
type MultiError struct {
	// Errors contains all accumulated errors
	Errors []error
}

// Error returns a summary of the accumulated errors
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred", len(m.Errors))
}

// Add appends an error to the collection if it's not nil
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Unwrap exposes the accumulated errors to errors.Is and errors.As
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Err returns nil if no errors occurred, otherwise returns the MultiError itself
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}
