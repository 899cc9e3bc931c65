package task

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoBody is returned by New when no executable body was supplied.
	ErrNoBody = errors.New("task: body is required")
	// ErrInvalid wraps all other construction-time validation failures.
	ErrInvalid = errors.New("task: invalid config")
	// ErrSelfDependency is returned when a task lists its own id as a dependency.
	ErrSelfDependency = errors.New("task: depends on itself")
)

// NoRetry marks an error as non-retryable.
//
// Bodies can wrap validation errors or other permanent failures with NoRetry
// so the scheduler fails the task right away instead of backing off.
//
// Example:
//
//	return task.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before retrying.
//
// Useful when the downstream system returns a Retry-After value (e.g. HTTP 429).
// The hint replaces the strategy delay for that one retry.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
