// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrJobNotFound indicates a job was not found by the given identifier.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyExists indicates a job with the same identifier already exists.
	ErrJobAlreadyExists = errors.New("job already exists")

	// ErrLockTimeout indicates a status or path lock could not be acquired in time.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrEventLogEmpty indicates no events have been recorded for the job.
	ErrEventLogEmpty = errors.New("event log is empty")
)

// JobError wraps job-related errors with additional context.
type JobError struct {
	Op      string // Operation being performed (e.g., "GetByID", "Save", "Delete")
	JobID   string // Job ID if applicable
	Err     error  // Underlying error
	Message string // Additional context message
}

func (e *JobError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s operation failed for job %s: %s (%v)", e.Op, e.JobID, e.Message, e.Err)
	}

	return fmt.Sprintf("%s operation failed for job %s: %v", e.Op, e.JobID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for job errors.
func (e *JobError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewJobError creates a new job error with context.
func NewJobError(op, jobID string, err error) *JobError {
	return &JobError{
		Op:    op,
		JobID: jobID,
		Err:   err,
	}
}

// StatusPersistenceError reports that a status write could not be made
// durable even through the fallback path. It is logged and surfaced, never
// treated as fatal by the orchestrator.
type StatusPersistenceError struct {
	JobID string
	Err   error
}

func (e *StatusPersistenceError) Error() string {
	return fmt.Sprintf("status for job %s could not be persisted: %v", e.JobID, e.Err)
}

func (e *StatusPersistenceError) Unwrap() error {
	return e.Err
}

// IsJobNotFound checks if an error indicates a job was not found.
func IsJobNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// IsLockTimeout checks if an error indicates a lock acquisition timeout.
func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// IsStatusPersistenceError checks if an error is a degraded status write.
func IsStatusPersistenceError(err error) bool {
	var spe *StatusPersistenceError

	return errors.As(err, &spe)
}
