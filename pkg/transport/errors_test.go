package transport

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"testing"
)

func TestClassifySpawnError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  ErrorKind
		retryable bool
	}{
		{"command not found", exec.ErrNotFound, ErrKindCommandNotFound, false},
		{"enoent", syscall.ENOENT, ErrKindCommandNotFound, false},
		{"permission denied", syscall.EACCES, ErrKindPermissionDenied, false},
		{"eperm", syscall.EPERM, ErrKindPermissionDenied, false},
		{"eagain", syscall.EAGAIN, ErrKindResourceExhausted, true},
		{"emfile", syscall.EMFILE, ErrKindResourceExhausted, true},
		{"enomem", syscall.ENOMEM, ErrKindResourceExhausted, true},
		{"deadline", context.DeadlineExceeded, ErrKindTimeout, true},
		{"generic", errors.New("boom"), ErrKindGeneric, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := ClassifySpawnError(tt.err)
			if se.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", se.Kind, tt.wantKind)
			}
			if se.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", se.Retryable, tt.retryable)
			}
			if !errors.Is(se, tt.err) {
				t.Error("classified error does not wrap the original")
			}
		})
	}
}

func TestClassifySpawnError_Wrapped(t *testing.T) {
	err := fmt.Errorf("starting process: %w", exec.ErrNotFound)
	se := ClassifySpawnError(err)
	if se.Kind != ErrKindCommandNotFound {
		t.Errorf("Kind = %s, want %s", se.Kind, ErrKindCommandNotFound)
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(&StartError{Kind: ErrKindCommandNotFound, Retryable: false, Err: exec.ErrNotFound}) {
		t.Error("command-not-found reported retryable")
	}
	if !Retryable(&StartError{Kind: ErrKindTimeout, Retryable: true, Err: context.DeadlineExceeded}) {
		t.Error("timeout reported non-retryable")
	}
	// Unclassified errors default to retryable.
	if !Retryable(errors.New("boom")) {
		t.Error("plain error reported non-retryable")
	}
}

func TestClassifyDialError(t *testing.T) {
	se := ClassifyDialError(fmt.Errorf("dial: %w", context.DeadlineExceeded))
	if se.Kind != ErrKindTimeout || !se.Retryable {
		t.Errorf("got kind=%s retryable=%v, want timeout/retryable", se.Kind, se.Retryable)
	}

	se = ClassifyDialError(errors.New("connection refused"))
	if se.Kind != ErrKindGeneric || !se.Retryable {
		t.Errorf("got kind=%s retryable=%v, want generic/retryable", se.Kind, se.Retryable)
	}
}
