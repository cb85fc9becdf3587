package infer

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrBackend is matched by every inference backend failure.
	ErrBackend = errors.New("inference backend error")
	// ErrBudgetExceeded indicates a call was refused or aborted for
	// exceeding the resource budget.
	ErrBudgetExceeded = errors.New("inference budget exceeded")
	// ErrUnavailable indicates the backend is wedged and calls are being
	// short-circuited until a health probe succeeds.
	ErrUnavailable = errors.New("inference backend unavailable")
	// ErrSaturated indicates no worker slot freed before the request's
	// admission deadline.
	ErrSaturated = errors.New("worker pool saturated")
)

// BackendError wraps a backend failure and records whether it looked
// transient (timeouts are worth one retry with a smaller window).
type BackendError struct {
	Transient bool
	Err       error
}

func (e *BackendError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("backend error (%s): %v", kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is enables errors.Is(err, ErrBackend) checks.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackend
}

// Hint bounds one backend call.
type Hint struct {
	MaxWindowLines int
	MemoryMB       int
}

// Backend is the narrow contract around the opaque local inference engine.
// It is assumed non-reentrant; only the pool may call it, and never from
// more workers than the budget allows.
type Backend interface {
	Infer(ctx context.Context, prompt string, hint Hint) (string, error)
	Probe(ctx context.Context) error
}
