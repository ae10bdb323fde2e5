package resilience

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when an operation exceeds its timeout
var ErrTimeout = errors.New("operation timed out")

// WithTimeout executes the given function under a deadline. The function
// receives a context that is cancelled at the deadline; if it has not
// returned by then, WithTimeout returns ErrTimeout without waiting for it.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return timeoutCtx.Err()
	}
}

// WithTimeoutGrace is WithTimeout with a bounded grace window: once the
// deadline passes and the function's context is cancelled, the caller still
// waits up to grace for the function to finish cleaning up before giving up
// on it. The returned error is ErrTimeout either way.
func WithTimeoutGrace(ctx context.Context, timeout, grace time.Duration, fn func(context.Context) error) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
	}

	if !errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
		return timeoutCtx.Err()
	}
	if grace <= 0 {
		return ErrTimeout
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()
	select {
	case <-done:
	case <-graceTimer.C:
	}
	return ErrTimeout
}
