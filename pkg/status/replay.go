package status

import (
	"context"

	"github.com/forgeline/phasor/pkg/eventbus"
	"github.com/forgeline/phasor/pkg/events"
	"github.com/forgeline/phasor/pkg/models"
)

// Rebuild reconstructs a job record purely from its transition journal.
// Applying the same journal always yields the same record, which is what
// makes the journal authoritative after a crash.
func Rebuild(jobID, project string, journal []any) *models.Job {
	job := &models.Job{
		ID:      jobID,
		Project: project,
		Status:  models.JobStatusPending,
		Phases:  make(map[string]*models.PhaseRecord),
	}

	for _, entry := range journal {
		transition, ok := entry.(*events.StatusTransition)
		if !ok {
			continue
		}

		if job.CreatedAt.IsZero() {
			job.CreatedAt = transition.Timestamp
		}

		job.UpdatedAt = transition.Timestamp

		if transition.PhaseID == "" {
			applyJobTransition(job, transition)
		} else {
			applyPhaseTransition(job, transition)
		}
	}

	return job
}

// Replay loads the journal of a job from its event stream and rebuilds the
// record.
func Replay(ctx context.Context, stream *eventbus.Stream, jobID, project string) (*models.Job, error) {
	journal, err := stream.Replay(ctx, jobID, 0)
	if err != nil {
		return nil, err
	}

	return Rebuild(jobID, project, journal), nil
}

func applyJobTransition(job *models.Job, transition *events.StatusTransition) {
	job.Status = models.JobStatus(transition.To)

	if transition.Error != "" {
		job.Error = transition.Error
	}
}

func applyPhaseTransition(job *models.Job, transition *events.StatusTransition) {
	record := job.PhaseRecordFor(transition.PhaseID)
	to := models.PhaseStatus(transition.To)
	timestamp := transition.Timestamp

	// Attempt-only journal entries keep From == To.
	if transition.From == transition.To {
		record.Error = transition.Error

		return
	}

	record.Status = to
	record.Error = transition.Error

	switch to {
	case models.PhaseStatusRunning:
		record.AttemptCount = transition.Attempt
		record.Error = ""

		if record.StartedAt == nil {
			record.StartedAt = &timestamp
		}

		job.CurrentPhase = transition.PhaseID

		if job.Status == models.JobStatusPending || job.Status == models.JobStatusQueued {
			job.Status = models.JobStatusRunning
		}
	case models.PhaseStatusCompleted, models.PhaseStatusFailed, models.PhaseStatusCancelled:
		record.CompletedAt = &timestamp

		if job.CurrentPhase == transition.PhaseID {
			job.CurrentPhase = ""
		}
	case models.PhaseStatusPendingApproval, models.PhaseStatusPending:
	}
}
