// Package permission tracks the lifecycle of the location and notification
// permissions.
//
// Both machines allow a single outstanding request per kind: a caller that
// arrives while a request is pending waits on the same operation instead of
// starting another. The operation itself runs detached from any caller with
// its own timeout, so a caller that gives up early leaves nothing half done.
package permission

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout bounds a single permission or position request.
const DefaultTimeout = 10 * time.Second

// State is the lifecycle state of a permission.
type State string

// Permission states.
const (
	StateUnsupported State = "unsupported"
	StateUnrequested State = "unrequested"
	StatePending     State = "pending"
	StateGranted     State = "granted"
	StateDenied      State = "denied"
)

// Fault classifies why a request failed.
type Fault string

// Failure classes. All of them are recoverable by retrying.
const (
	FaultPermissionDenied    Fault = "permission-denied"
	FaultPositionUnavailable Fault = "position-unavailable"
	FaultTimeout             Fault = "timeout"
	FaultUnsupported         Fault = "unsupported"
)

// ErrNotGranted is returned by operations that require a granted permission.
var ErrNotGranted = errors.New("permission not granted")

// Error is a classified permission failure.
type Error struct {
	Fault Fault
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Fault)
	}
	return fmt.Sprintf("%s: %v", e.Fault, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps err to a Fault. Deadline errors are timeouts and anything
// unrecognized is treated as position-unavailable.
func Classify(err error) Fault {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Fault
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FaultTimeout
	}
	return FaultPositionUnavailable
}

func classified(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return &Error{Fault: Classify(err), Err: err}
}

// withTimeout runs fn with a fresh context bounded by timeout and returns
// when fn does or the timeout expires, whichever comes first.
func withTimeout[T any](timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
