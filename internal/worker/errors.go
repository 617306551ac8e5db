package worker

import (
	"errors"
	"fmt"
	"time"
)

// Fatal marks an executor failure as permanent.
//
// Executors wrap validation errors or other unrecoverable failures with
// Fatal so the pool sends the task straight to failed instead of burning
// retry attempts.
//
// Example:
//
//	return nil, worker.Fatal(fmt.Errorf("account suspended: %w", err))
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err is wrapped with Fatal.
func IsFatal(err error) bool {
	var e fatalError
	return errors.As(err, &e)
}

type fatalError struct{ err error }

func (e fatalError) Error() string { return fmt.Sprintf("fatal: %v", e.err) }
func (e fatalError) Unwrap() error { return e.err }

// Retryable explicitly marks a transient failure. Unclassified errors are
// treated as retryable anyway; the wrapper exists so executors can state
// intent at the failure site.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

type retryableError struct{ err error }

func (e retryableError) Error() string { return fmt.Sprintf("retryable: %v", e.err) }
func (e retryableError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before the next attempt, e.g.
// from a downstream 429. The pool respects the hint, bounded by the
// configured max delay, and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry
// delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string {
	return fmt.Sprintf("retry-after(%s): %v", e.after, e.err)
}
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
