package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBlocked: a gate (throttle, approval) prevented dispatch; recoverable.
	ErrBlocked = errors.New("task blocked")
	// ErrAborted: the executor failed, panicked or timed out; consumes a retry.
	ErrAborted = errors.New("task aborted")
	// ErrReadError and ErrInvalidPayload mark malformed input; never retried.
	ErrReadError      = errors.New("task read error")
	ErrInvalidPayload = errors.New("invalid task payload")
	ErrSMTThrottled   = errors.New("smt throttled")
	ErrNoExecutor     = errors.New("no executor for persona")
	ErrFitnessFailed  = errors.New("fitness gate failed")
	ErrNotRunning     = errors.New("scheduler not running")
)

// NoRetry marks an executor error as permanent so the task is blocked
// immediately instead of consuming retries.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var nr noRetryError
	return errors.As(err, &nr) || errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrReadError)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a delay hint (e.g. from an HTTP 429) to an executor
// error. The scheduler honors it instead of the exponential backoff, still
// capped by the configured maximum.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors carrying an explicit retry delay.
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
