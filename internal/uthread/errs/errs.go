// Package errs defines the failure taxonomy shared by every runtime component.
//
// Non-fatal conditions are reported as one of the sentinel errors below,
// usually wrapped in an *OpError that records which operation failed and on
// which handle. Callers match with errors.Is:
//
//	if _, err := s.Join(h); errors.Is(err, errs.ErrNotFound) {
//		// unknown thread
//	}
//
// A failed call never leaves a table half-updated.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned when a fixed-size table is full.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrAllocationFailed is returned when backing memory cannot be obtained.
	ErrAllocationFailed = errors.New("allocation failed")

	// ErrNotFound is returned for an unknown thread or a missing segment.
	ErrNotFound = errors.New("not found")

	// ErrInvalidHandle is returned for an unknown or destroyed semaphore.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrOutOfRange is returned when offset+length exceeds a segment.
	ErrOutOfRange = errors.New("out of range")

	// ErrInvalidSize is returned for a zero-size segment or a negative count.
	ErrInvalidSize = errors.New("invalid size")

	// ErrAlreadyExists is returned when the caller already owns a segment.
	ErrAlreadyExists = errors.New("already exists")

	// ErrIsolationViolation is recorded in the violation report and log
	// entry of a thread that accessed protected storage directly. It is
	// never returned to a caller: the offending thread is terminated.
	ErrIsolationViolation = errors.New("isolation violation")

	// ErrDeadlock is returned when the caller would block with no thread
	// left that could ever wake it.
	ErrDeadlock = errors.New("deadlock")

	// ErrNotRunning is returned in strict mode when the calling goroutine is
	// not the thread that currently owns the CPU.
	ErrNotRunning = errors.New("caller is not the running thread")
)

// NoHandle marks an OpError that is not about a specific handle.
const NoHandle = -1

// OpError records the operation and handle a failure belongs to.
//
// Example:
//
//	err := &OpError{Op: "sem_wait", Handle: 3, Err: ErrInvalidHandle}
//	fmt.Println(err) // Output: sem_wait 3: invalid handle
type OpError struct {
	Op     string // Operation name (create, join, sem_wait, tls_write, ...)
	Handle int    // Thread or semaphore handle, NoHandle if none
	Err    error  // One of the sentinels above
	Detail string // Optional extra context
}

// Error implements the error interface.
//
// Format: "op handle: err (detail)", with the handle and detail omitted
// when absent.
func (e *OpError) Error() string {
	s := e.Op
	if e.Handle != NoHandle {
		s += fmt.Sprintf(" %d", e.Handle)
	}
	s += ": " + e.Err.Error()
	if e.Detail != "" {
		s += " (" + e.Detail + ")"
	}
	return s
}

// Unwrap returns the underlying sentinel.
func (e *OpError) Unwrap() error {
	return e.Err
}

// New returns an *OpError for op on handle.
func New(op string, handle int, err error) *OpError {
	return &OpError{Op: op, Handle: handle, Err: err}
}

// Newf returns an *OpError with a formatted detail message.
func Newf(op string, handle int, err error, format string, args ...any) *OpError {
	return &OpError{Op: op, Handle: handle, Err: err, Detail: fmt.Sprintf(format, args...)}
}
