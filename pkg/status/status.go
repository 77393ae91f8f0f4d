// Package status owns every durable job and phase status transition.
//
// All mutators follow one discipline: reload the record from storage, apply
// a validated transition, write the full record back atomically, and journal
// the transition to the job's event log. A failed atomic write is retried
// once through the direct fallback path; only when both fail does the caller
// see a StatusPersistenceError, which is never treated as fatal.
package status

import (
	"errors"
	"fmt"

	"github.com/forgeline/phasor/pkg/models"
)

// ErrInvalidTransition indicates a status change that the lifecycle does not
// allow, such as completing a phase that never started.
var ErrInvalidTransition = errors.New("invalid status transition")

var phaseTransitions = map[models.PhaseStatus][]models.PhaseStatus{
	models.PhaseStatusPending:         {models.PhaseStatusRunning, models.PhaseStatusCancelled},
	models.PhaseStatusRunning:         {models.PhaseStatusCompleted, models.PhaseStatusFailed, models.PhaseStatusPendingApproval, models.PhaseStatusCancelled},
	models.PhaseStatusPendingApproval: {models.PhaseStatusCompleted, models.PhaseStatusFailed, models.PhaseStatusCancelled},
	models.PhaseStatusFailed:          {models.PhaseStatusRunning},
}

var jobTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending: {models.JobStatusQueued, models.JobStatusRunning, models.JobStatusCancelled, models.JobStatusFailed},
	models.JobStatusQueued:  {models.JobStatusRunning, models.JobStatusCancelled, models.JobStatusFailed},
	models.JobStatusRunning: {models.JobStatusReady, models.JobStatusFailed, models.JobStatusCancelled},
	models.JobStatusReady:   {models.JobStatusIntegrated, models.JobStatusFailed},
}

func validPhaseTransition(from, to models.PhaseStatus) bool {
	for _, allowed := range phaseTransitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

func validJobTransition(from, to models.JobStatus) bool {
	for _, allowed := range jobTransitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

func invalidPhaseTransition(jobID, phaseID string, from, to models.PhaseStatus) error {
	return fmt.Errorf("%w: phase %s of job %s cannot go %s -> %s",
		ErrInvalidTransition, phaseID, jobID, from, to)
}

func invalidJobTransition(jobID string, from, to models.JobStatus) error {
	return fmt.Errorf("%w: job %s cannot go %s -> %s", ErrInvalidTransition, jobID, from, to)
}
