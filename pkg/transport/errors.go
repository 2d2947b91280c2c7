package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"syscall"
)

// ErrorKind classifies channel establishment failures so callers can decide
// whether retrying is worthwhile.
type ErrorKind string

const (
	// ErrKindGeneric covers failures with no more specific classification.
	ErrKindGeneric ErrorKind = "generic"
	// ErrKindCommandNotFound means the configured executable does not exist.
	ErrKindCommandNotFound ErrorKind = "command-not-found"
	// ErrKindPermissionDenied means the executable or endpoint refused access.
	ErrKindPermissionDenied ErrorKind = "permission-denied"
	// ErrKindResourceExhausted means the host ran out of processes, file
	// descriptors, or memory.
	ErrKindResourceExhausted ErrorKind = "resource-exhausted"
	// ErrKindTimeout means establishment exceeded its deadline.
	ErrKindTimeout ErrorKind = "timeout"
)

// StartError wraps a channel establishment failure with its classification
// and whether a retry could plausibly succeed.
type StartError struct {
	Kind      ErrorKind
	Retryable bool
	Err       error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("transport start (%s): %v", e.Kind, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err is a retryable establishment failure.
// Errors without a StartError classification are treated as retryable.
func Retryable(err error) bool {
	var se *StartError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// ClassifySpawnError maps a subprocess spawn failure to a StartError.
// Missing executables and permission problems are permanent: retrying the
// same command cannot fix them. Resource exhaustion and timeouts are
// transient.
func ClassifySpawnError(err error) *StartError {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOENT):
		return &StartError{Kind: ErrKindCommandNotFound, Retryable: false, Err: err}
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return &StartError{Kind: ErrKindPermissionDenied, Retryable: false, Err: err}
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE), errors.Is(err, syscall.ENOMEM):
		return &StartError{Kind: ErrKindResourceExhausted, Retryable: true, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &StartError{Kind: ErrKindTimeout, Retryable: true, Err: err}
	default:
		return &StartError{Kind: ErrKindGeneric, Retryable: true, Err: err}
	}
}

// ClassifyDialError maps a network dial failure to a StartError.
func ClassifyDialError(err error) *StartError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &StartError{Kind: ErrKindTimeout, Retryable: true, Err: err}
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return &StartError{Kind: ErrKindPermissionDenied, Retryable: false, Err: err}
	default:
		return &StartError{Kind: ErrKindGeneric, Retryable: true, Err: err}
	}
}
