// Package types provides shared types and errors for the application.
package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Session pool errors
	ErrPoolClosed            = errors.New("session pool is closed")
	ErrPoolTimeout           = errors.New("timeout waiting for session from pool")
	ErrSessionUnhealthy      = errors.New("session is unhealthy")
	ErrUnknownPlatform       = errors.New("unknown platform")
	ErrPoolAlreadyRegistered = errors.New("pool already registered for platform")

	// Job errors
	ErrCapacityExceeded = errors.New("capacity exceeded: too many running jobs")
	ErrJobNotFound      = errors.New("job not found")
	ErrInvalidTarget    = errors.New("invalid target")
	ErrManagerClosed    = errors.New("job manager is closed")
	ErrJobTimeout       = errors.New("job exceeded its task timeout")
	ErrJobCancelled     = errors.New("job was cancelled")

	// Extraction errors
	ErrThrottled   = errors.New("platform is throttling requests")
	ErrNoPage      = errors.New("session has no page")
	ErrEvalFailed  = errors.New("page evaluation failed")
	ErrInvalidCard = errors.New("card payload could not be decoded")
)

// PoolError provides detailed information about session pool failures.
type PoolError struct {
	Platform  string // Pool the operation ran against
	Operation string // The operation that failed
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *PoolError) Error() string {
	return fmt.Sprintf("%s pool %s: %v", e.Platform, e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *PoolError) Unwrap() error {
	return e.Err
}

// NewPoolAcquireError creates an error for pool acquire failures.
func NewPoolAcquireError(platform string, err error) *PoolError {
	return &PoolError{
		Platform:  platform,
		Operation: "acquire",
		Err:       err,
	}
}

// JobError ties a failure to the job and step that produced it.
type JobError struct {
	JobID     string
	Operation string
	Err       error
}

// Error implements the error interface.
func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: %s: %v", e.JobID, e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *JobError) Unwrap() error {
	return e.Err
}

// NewJobError wraps err with the job and operation that failed.
func NewJobError(jobID, operation string, err error) *JobError {
	return &JobError{JobID: jobID, Operation: operation, Err: err}
}

// ThrottleError is returned by extractors when the platform shows a
// rate-limit or bot-check banner instead of content.
type ThrottleError struct {
	Code           string
	SuggestedDelay time.Duration
}

// Error implements the error interface.
func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled (%s), retry after %s", e.Code, e.SuggestedDelay)
}

// Unwrap returns ErrThrottled so callers can match with errors.Is.
func (e *ThrottleError) Unwrap() error {
	return ErrThrottled
}

// IsTimeout reports whether err is a pool wait or job timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrPoolTimeout) || errors.Is(err, ErrJobTimeout)
}
