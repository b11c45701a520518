package core

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. Every error returned by the queue wraps one of them.
var (
	ErrValidation       = errors.New("validation error")
	ErrClaimConflict    = errors.New("claim conflict")
	ErrHandler          = errors.New("handler error")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrConfiguration    = errors.New("configuration error")
)

var (
	ErrInvalidJobType  = fmt.Errorf("%w: job type must not be empty", ErrValidation)
	ErrInvalidPriority = fmt.Errorf("%w: invalid priority", ErrValidation)
	ErrInvalidAttempts = fmt.Errorf("%w: attempts must be at least 1", ErrValidation)
	ErrInvalidPayload  = fmt.Errorf("%w: payload cannot be encoded", ErrValidation)

	ErrMissingJobKey      = fmt.Errorf("%w: registration without job type", ErrConfiguration)
	ErrInvalidConcurrency = fmt.Errorf("%w: concurrency must be a positive integer", ErrConfiguration)
	ErrDuplicateJobType   = fmt.Errorf("%w: job type registered twice", ErrConfiguration)
	ErrNilHandler         = fmt.Errorf("%w: registration without handler", ErrConfiguration)
	ErrStuckThreshold     = fmt.Errorf("%w: stuck threshold must exceed heartbeat interval", ErrConfiguration)
)

var ErrAlreadyRunning = errors.New("queue already running")
var ErrUnregisteredType = errors.New("job type not registered")
var ErrNoJobsFound = errors.New("no jobs found")
var ErrJobNotFound = errors.New("job not found")
var ErrJobRemoved = errors.New("job record no longer retrievable")
var ErrUnknownClaim = errors.New("job is not claimed by this worker")
var ErrStateConflict = errors.New("job state changed concurrently")
var ErrNotCancellable = errors.New("job is in a terminal state")
var ErrIllegalTransition = errors.New("illegal state transition")
var ErrQueueClosed = errors.New("queue closed")

// Unavailable marks err as a store transport failure.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// NoRetryError stops the retry cycle: the job fails for good on the first attempt
// that returns it.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError overrides the job's backoff policy for the next attempt.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}
