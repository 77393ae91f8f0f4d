package status

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/forgeline/phasor/pkg/eventbus"
	"github.com/forgeline/phasor/pkg/events"
	"github.com/forgeline/phasor/pkg/models"
	"github.com/forgeline/phasor/pkg/persistence"
)

// Synchronizer applies durable status transitions for jobs and phases.
type Synchronizer struct {
	repo   persistence.JobRepository
	stream *eventbus.Stream // Optional transition journal
	logger *slog.Logger
	locks  sync.Map // jobID -> *sync.Mutex, serializes reload-apply-write cycles
}

// NewSynchronizer creates a synchronizer over the given repository. stream
// may be nil when no journal is wanted, as in some tests.
func NewSynchronizer(repo persistence.JobRepository, stream *eventbus.Stream, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		repo:   repo,
		stream: stream,
		logger: logger,
	}
}

// GetStatus re-reads the job record from durable storage. It never serves a
// cached copy.
func (s *Synchronizer) GetStatus(ctx context.Context, jobID string) (*models.Job, error) {
	return s.repo.GetByID(ctx, jobID)
}

// StartPhase transitions the phase to running and begins a new attempt. The
// owning job moves to running if it has not already.
func (s *Synchronizer) StartPhase(ctx context.Context, jobID, phaseID string) error {
	return s.mutate(ctx, jobID, func(job *models.Job) (*events.StatusTransition, error) {
		record := job.PhaseRecordFor(phaseID)
		if !validPhaseTransition(record.Status, models.PhaseStatusRunning) {
			return nil, invalidPhaseTransition(jobID, phaseID, record.Status, models.PhaseStatusRunning)
		}

		transition := &events.StatusTransition{
			BaseEvent: events.NewBaseEvent(events.StatusTransitionEvent, jobID),
			PhaseID:   phaseID,
			From:      string(record.Status),
			To:        string(models.PhaseStatusRunning),
			Attempt:   record.AttemptCount + 1,
		}

		now := transition.Timestamp
		record.Status = models.PhaseStatusRunning
		record.AttemptCount++
		record.Error = ""

		if record.StartedAt == nil {
			record.StartedAt = &now
		}

		job.CurrentPhase = phaseID

		if job.Status == models.JobStatusPending || job.Status == models.JobStatusQueued {
			job.Status = models.JobStatusRunning
		}

		return transition, nil
	})
}

// CompletePhase transitions the phase to completed.
func (s *Synchronizer) CompletePhase(ctx context.Context, jobID, phaseID string) error {
	return s.finishPhase(ctx, jobID, phaseID, models.PhaseStatusCompleted, "")
}

// FailPhase transitions the phase to failed with the given error message.
func (s *Synchronizer) FailPhase(ctx context.Context, jobID, phaseID, message string) error {
	return s.finishPhase(ctx, jobID, phaseID, models.PhaseStatusFailed, message)
}

// CancelPhase transitions the phase to cancelled.
func (s *Synchronizer) CancelPhase(ctx context.Context, jobID, phaseID string) error {
	return s.finishPhase(ctx, jobID, phaseID, models.PhaseStatusCancelled, "")
}

// SuspendPhase parks a running phase on its manual gate.
func (s *Synchronizer) SuspendPhase(ctx context.Context, jobID, phaseID string) error {
	return s.mutate(ctx, jobID, func(job *models.Job) (*events.StatusTransition, error) {
		record := job.PhaseRecordFor(phaseID)
		if !validPhaseTransition(record.Status, models.PhaseStatusPendingApproval) {
			return nil, invalidPhaseTransition(jobID, phaseID, record.Status, models.PhaseStatusPendingApproval)
		}

		transition := &events.StatusTransition{
			BaseEvent: events.NewBaseEvent(events.StatusTransitionEvent, jobID),
			PhaseID:   phaseID,
			From:      string(record.Status),
			To:        string(models.PhaseStatusPendingApproval),
			Attempt:   record.AttemptCount,
		}

		record.Status = models.PhaseStatusPendingApproval

		return transition, nil
	})
}

// RecordAttempt stores attempt-level failure detail without ending the
// phase, keeping the audit trail of retries.
func (s *Synchronizer) RecordAttempt(ctx context.Context, jobID, phaseID, message string) error {
	return s.mutate(ctx, jobID, func(job *models.Job) (*events.StatusTransition, error) {
		record := job.PhaseRecordFor(phaseID)
		record.Error = message

		transition := &events.StatusTransition{
			BaseEvent: events.NewBaseEvent(events.StatusTransitionEvent, jobID),
			PhaseID:   phaseID,
			From:      string(record.Status),
			To:        string(record.Status),
			Attempt:   record.AttemptCount,
			Error:     message,
		}

		return transition, nil
	})
}

// MarkQueued parks the job behind the admission limit.
func (s *Synchronizer) MarkQueued(ctx context.Context, jobID string) error {
	return s.markJob(ctx, jobID, models.JobStatusQueued, "")
}

// MarkReady records that every phase passed and the job awaits deploy.
func (s *Synchronizer) MarkReady(ctx context.Context, jobID string) error {
	return s.markJob(ctx, jobID, models.JobStatusReady, "")
}

// MarkFailed records a job-level failure.
func (s *Synchronizer) MarkFailed(ctx context.Context, jobID, message string) error {
	return s.markJob(ctx, jobID, models.JobStatusFailed, message)
}

// MarkCancelled records an operator cancellation.
func (s *Synchronizer) MarkCancelled(ctx context.Context, jobID string) error {
	return s.markJob(ctx, jobID, models.JobStatusCancelled, "")
}

// MarkIntegrated records that the deployed output was accepted.
func (s *Synchronizer) MarkIntegrated(ctx context.Context, jobID string) error {
	return s.markJob(ctx, jobID, models.JobStatusIntegrated, "")
}

func (s *Synchronizer) finishPhase(ctx context.Context, jobID, phaseID string, to models.PhaseStatus, message string) error {
	return s.mutate(ctx, jobID, func(job *models.Job) (*events.StatusTransition, error) {
		record := job.PhaseRecordFor(phaseID)
		if !validPhaseTransition(record.Status, to) {
			return nil, invalidPhaseTransition(jobID, phaseID, record.Status, to)
		}

		transition := &events.StatusTransition{
			BaseEvent: events.NewBaseEvent(events.StatusTransitionEvent, jobID),
			PhaseID:   phaseID,
			From:      string(record.Status),
			To:        string(to),
			Attempt:   record.AttemptCount,
			Error:     message,
		}

		now := transition.Timestamp
		record.Status = to
		record.Error = message
		record.CompletedAt = &now

		if job.CurrentPhase == phaseID {
			job.CurrentPhase = ""
		}

		return transition, nil
	})
}

func (s *Synchronizer) markJob(ctx context.Context, jobID string, to models.JobStatus, message string) error {
	return s.mutate(ctx, jobID, func(job *models.Job) (*events.StatusTransition, error) {
		if !validJobTransition(job.Status, to) {
			return nil, invalidJobTransition(jobID, job.Status, to)
		}

		transition := &events.StatusTransition{
			BaseEvent: events.NewBaseEvent(events.StatusTransitionEvent, jobID),
			From:      string(job.Status),
			To:        string(to),
			Error:     message,
		}

		job.Status = to

		if message != "" {
			job.Error = message
		}

		return transition, nil
	})
}

// mutate runs one reload-apply-write cycle. The write is atomic; on failure
// it is retried once through the direct path before surfacing a
// StatusPersistenceError.
func (s *Synchronizer) mutate(ctx context.Context, jobID string, apply func(*models.Job) (*events.StatusTransition, error)) error {
	actual, _ := s.locks.LoadOrStore(jobID, &sync.Mutex{})
	mu, _ := actual.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	transition, err := apply(job)
	if err != nil {
		return err
	}

	// The journal timestamp is the record timestamp, so replaying the
	// journal reproduces the record exactly.
	job.UpdatedAt = transition.Timestamp

	if err := s.save(ctx, job); err != nil {
		return err
	}

	if s.stream != nil && transition != nil {
		if err := s.stream.Publish(ctx, jobID, *transition); err != nil {
			s.logger.WarnContext(ctx, "Failed to journal status transition",
				"job_id", jobID, "error", err)
		}
	}

	return nil
}

// save makes the record durable. A timed-out lock means another writer is
// active, which is exactly when an unlocked write could expose a partial
// record, so that case retries the atomic path; the direct fallback is
// reserved for genuine write failures.
func (s *Synchronizer) save(ctx context.Context, job *models.Job) error {
	err := s.repo.Save(ctx, job)
	if err == nil {
		return nil
	}

	if errors.Is(err, persistence.ErrLockTimeout) {
		s.logger.WarnContext(ctx, "Status write lock timed out, retrying",
			"job_id", job.ID, "error", err)

		if err = s.repo.Save(ctx, job); err == nil {
			return nil
		}

		if errors.Is(err, persistence.ErrLockTimeout) {
			return &persistence.StatusPersistenceError{JobID: job.ID, Err: err}
		}
	}

	s.logger.WarnContext(ctx, "Atomic status write failed, retrying direct",
		"job_id", job.ID, "error", err)

	if err := s.repo.SaveDirect(ctx, job); err != nil {
		return &persistence.StatusPersistenceError{JobID: job.ID, Err: err}
	}

	return nil
}
