// Package jobs owns the job lifecycle around orchestration runs: admission,
// queueing, approvals, cancellation, crash recovery and workspace cleanup.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/forgeline/phasor/pkg/eventbus"
	"github.com/forgeline/phasor/pkg/events"
	"github.com/forgeline/phasor/pkg/models"
	"github.com/forgeline/phasor/pkg/orchestrator"
	"github.com/forgeline/phasor/pkg/persistence"
	"github.com/forgeline/phasor/pkg/spec"
	"github.com/forgeline/phasor/pkg/status"
)

const (
	// DefaultMaxRunning bounds how many jobs execute at once; the rest wait
	// in FIFO order.
	DefaultMaxRunning = 5

	// DefaultRetention is how long finished job workspaces are kept before
	// the janitor prunes them.
	DefaultRetention = 7 * 24 * time.Hour

	janitorSchedule = "@hourly"

	workflowFileName = "workflow.json"
)

var (
	// ErrNoApprovalPending indicates an approve or reject for a phase that
	// is not parked on a manual gate.
	ErrNoApprovalPending = errors.New("no approval pending")

	// ErrJobFinished indicates an operation on a job already in a terminal
	// state.
	ErrJobFinished = errors.New("job already finished")
)

// Manager admits, runs and administers jobs.
type Manager struct {
	repo     persistence.JobRepository
	statuses *status.Synchronizer
	orch     *orchestrator.Orchestrator
	stream   *eventbus.Stream
	logger   *slog.Logger
	workRoot string

	maxRunning int
	retention  time.Duration
	cron       *cron.Cron

	mu      sync.Mutex
	running int
	queue   []string
	cancels map[string]context.CancelFunc
	done    sync.WaitGroup
}

// NewManager creates a job manager storing workspaces under workRoot.
func NewManager(repo persistence.JobRepository, statuses *status.Synchronizer,
	orch *orchestrator.Orchestrator, stream *eventbus.Stream, workRoot string, logger *slog.Logger,
) *Manager {
	return &Manager{
		repo:       repo,
		statuses:   statuses,
		orch:       orch,
		stream:     stream,
		logger:     logger,
		workRoot:   workRoot,
		maxRunning: DefaultMaxRunning,
		retention:  DefaultRetention,
		cron:       cron.New(),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// WithMaxRunning overrides the admission limit.
func (m *Manager) WithMaxRunning(limit int) *Manager {
	if limit > 0 {
		m.maxRunning = limit
	}

	return m
}

// WithRetention overrides how long finished workspaces are kept.
func (m *Manager) WithRetention(retention time.Duration) *Manager {
	if retention > 0 {
		m.retention = retention
	}

	return m
}

// Start recovers interrupted jobs and schedules the workspace janitor.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Recover(ctx); err != nil {
		return err
	}

	if _, err := m.cron.AddFunc(janitorSchedule, func() {
		if err := m.Prune(context.Background()); err != nil {
			m.logger.Warn("Workspace pruning failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}

	m.cron.Start()

	return nil
}

// Close cancels every running job and waits for their final transitions to
// land.
func (m *Manager) Close() {
	m.cron.Stop()

	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()

	m.done.Wait()
}

// Submit validates admission for a new job and either starts it or queues
// it. A non-empty phase filter restricts the run to the selected phases plus
// their dependencies. The resulting workflow is persisted alongside the
// workspace so the job survives an engine restart.
func (m *Manager) Submit(ctx context.Context, workflow *models.WorkflowSpec, phaseFilter ...string) (string, error) {
	workflow, err := spec.Restrict(workflow, phaseFilter)
	if err != nil {
		return "", err
	}

	jobID := uuid.New().String()
	now := time.Now().UTC()

	job := &models.Job{
		ID:        jobID,
		Project:   workflow.Project,
		Status:    models.JobStatusPending,
		Phases:    make(map[string]*models.PhaseRecord),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.repo.Save(ctx, job); err != nil {
		return "", err
	}

	if err := m.persistWorkflow(jobID, workflow); err != nil {
		return "", err
	}

	m.publish(ctx, jobID, events.JobCreated{
		BaseEvent: events.NewBaseEvent(events.JobCreatedEvent, jobID),
		Project:   workflow.Project,
	})

	m.admit(ctx, jobID)

	return jobID, nil
}

// Get returns the durable record of a job.
func (m *Manager) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return m.repo.GetByID(ctx, jobID)
}

// List returns all jobs, newest first.
func (m *Manager) List(ctx context.Context) ([]*models.Job, error) {
	return m.repo.List(ctx)
}

// Cancel stops a job wherever it is: a running job's workers are signalled,
// a queued job is dequeued, a parked job is released.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	if cancel, ok := m.cancels[jobID]; ok {
		m.mu.Unlock()
		cancel()

		return nil
	}

	m.queue = remove(m.queue, jobID)
	m.mu.Unlock()

	job, err := m.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status.IsTerminal() || job.Status == models.JobStatusReady {
		return fmt.Errorf("%w: job %s is %s", ErrJobFinished, jobID, job.Status)
	}

	for phaseID, record := range job.Phases {
		if record.Status == models.PhaseStatusPendingApproval {
			if err := m.statuses.CancelPhase(ctx, jobID, phaseID); err != nil {
				return err
			}
		}
	}

	if err := m.statuses.MarkCancelled(ctx, jobID); err != nil {
		return err
	}

	m.publish(ctx, jobID, events.JobCancelled{
		BaseEvent: events.NewBaseEvent(events.JobCancelledEvent, jobID),
		Reason:    "cancelled by operator",
	})

	return nil
}

// Approve resolves a phase parked on its manual gate and resumes the job.
func (m *Manager) Approve(ctx context.Context, jobID, phaseID, reason string) error {
	if err := m.requireApprovalPending(ctx, jobID, phaseID); err != nil {
		return err
	}

	if err := m.statuses.CompletePhase(ctx, jobID, phaseID); err != nil {
		return err
	}

	m.publish(ctx, jobID, events.ApprovalResolved{
		BaseEvent: events.NewBaseEvent(events.ApprovalResolvedEvent, jobID),
		PhaseID:   phaseID,
		Approved:  true,
		Reason:    reason,
	})

	m.admit(ctx, jobID)

	return nil
}

// Reject resolves a parked phase as failed, which fails the job.
func (m *Manager) Reject(ctx context.Context, jobID, phaseID, reason string) error {
	if err := m.requireApprovalPending(ctx, jobID, phaseID); err != nil {
		return err
	}

	if reason == "" {
		reason = "rejected by operator"
	}

	if err := m.statuses.FailPhase(ctx, jobID, phaseID, reason); err != nil {
		return err
	}

	m.publish(ctx, jobID, events.ApprovalResolved{
		BaseEvent: events.NewBaseEvent(events.ApprovalResolvedEvent, jobID),
		PhaseID:   phaseID,
		Approved:  false,
		Reason:    reason,
	})

	if err := m.statuses.MarkFailed(ctx, jobID, reason); err != nil {
		return err
	}

	m.publish(ctx, jobID, events.JobFailed{
		BaseEvent: events.NewBaseEvent(events.JobFailedEvent, jobID),
		Error:     reason,
		FailedAt:  phaseID,
	})

	return nil
}

// Recover settles jobs interrupted by an engine restart: running jobs are
// failed with an explicit error, queued jobs are re-admitted.
func (m *Manager) Recover(ctx context.Context) error {
	all, err := m.repo.List(ctx)
	if err != nil {
		return err
	}

	for _, job := range all {
		switch job.Status {
		case models.JobStatusRunning:
			if m.isParked(job) {
				// A parked job was not interrupted, it is waiting for an
				// operator.
				continue
			}

			for phaseID, record := range job.Phases {
				if record.Status == models.PhaseStatusRunning {
					if err := m.statuses.FailPhase(ctx, job.ID, phaseID, "interrupted by engine restart"); err != nil {
						m.logger.Warn("Failed to settle interrupted phase",
							"job_id", job.ID, "phase_id", phaseID, "error", err)
					}
				}
			}

			if err := m.statuses.MarkFailed(ctx, job.ID, "interrupted by engine restart"); err != nil {
				m.logger.Warn("Failed to settle interrupted job", "job_id", job.ID, "error", err)

				continue
			}

			m.publish(ctx, job.ID, events.JobFailed{
				BaseEvent: events.NewBaseEvent(events.JobFailedEvent, job.ID),
				Error:     "interrupted by engine restart",
			})
		case models.JobStatusQueued, models.JobStatusPending:
			m.admit(ctx, job.ID)
		}
	}

	return nil
}

// Prune deletes workspaces and records of terminal jobs older than the
// retention window.
func (m *Manager) Prune(ctx context.Context) error {
	all, err := m.repo.List(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-m.retention)

	for _, job := range all {
		if !job.Status.IsTerminal() || job.UpdatedAt.After(cutoff) {
			continue
		}

		if err := os.RemoveAll(m.jobRoot(job.ID)); err != nil {
			m.logger.Warn("Failed to remove job workspace", "job_id", job.ID, "error", err)

			continue
		}

		if err := m.repo.Delete(ctx, job.ID); err != nil {
			m.logger.Warn("Failed to delete job record", "job_id", job.ID, "error", err)

			continue
		}

		m.logger.Info("Pruned job", "job_id", job.ID, "status", job.Status)
	}

	return nil
}

// admit starts the job if a slot is free, otherwise appends it to the FIFO
// queue.
func (m *Manager) admit(ctx context.Context, jobID string) {
	m.mu.Lock()

	if m.running >= m.maxRunning {
		position := len(m.queue) + 1
		m.queue = append(m.queue, jobID)
		m.mu.Unlock()

		if err := m.statuses.MarkQueued(ctx, jobID); err != nil && !errors.Is(err, status.ErrInvalidTransition) {
			m.logger.Warn("Failed to mark job queued", "job_id", jobID, "error", err)
		}

		m.publish(ctx, jobID, events.JobQueued{
			BaseEvent: events.NewBaseEvent(events.JobQueuedEvent, jobID),
			Position:  position,
		})

		return
	}

	m.startLocked(jobID)
	m.mu.Unlock()
}

// startLocked launches the orchestration goroutine. Callers hold m.mu.
func (m *Manager) startLocked(jobID string) {
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancels[jobID] = cancel
	m.running++
	m.done.Add(1)

	go func() {
		defer m.done.Done()
		defer m.release(jobID, cancel)

		m.run(runCtx, jobID)
	}()
}

func (m *Manager) run(ctx context.Context, jobID string) {
	workflow, err := m.loadWorkflow(jobID)
	if err != nil {
		m.logger.Error("Failed to load workflow for job", "job_id", jobID, "error", err)

		if err := m.statuses.MarkFailed(context.WithoutCancel(ctx), jobID, "workflow spec unreadable"); err != nil {
			m.logger.Warn("Failed to mark job failed", "job_id", jobID, "error", err)
		}

		return
	}

	outcome, err := m.orch.Run(ctx, jobID, m.jobRoot(jobID), workflow)
	if err != nil {
		m.logger.Error("Orchestration run failed", "job_id", jobID, "error", err)

		return
	}

	m.logger.Info("Orchestration run finished", "job_id", jobID, "outcome", outcome)
}

// release frees the job's slot and starts the next queued job.
func (m *Manager) release(jobID string, cancel context.CancelFunc) {
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cancels, jobID)
	m.running--

	if len(m.queue) == 0 {
		return
	}

	next := m.queue[0]
	m.queue = m.queue[1:]
	m.startLocked(next)
}

func (m *Manager) requireApprovalPending(ctx context.Context, jobID, phaseID string) error {
	job, err := m.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	record, ok := job.Phases[phaseID]
	if !ok || record.Status != models.PhaseStatusPendingApproval {
		return fmt.Errorf("%w: phase %s of job %s", ErrNoApprovalPending, phaseID, jobID)
	}

	return nil
}

func (m *Manager) isParked(job *models.Job) bool {
	for _, record := range job.Phases {
		if record.Status == models.PhaseStatusPendingApproval {
			return true
		}
	}

	return false
}

func (m *Manager) jobRoot(jobID string) string {
	return filepath.Join(m.workRoot, jobID)
}

func (m *Manager) persistWorkflow(jobID string, workflow *models.WorkflowSpec) error {
	root := m.jobRoot(jobID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(workflow, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(root, workflowFileName), data, 0o644)
}

func (m *Manager) loadWorkflow(jobID string) (*models.WorkflowSpec, error) {
	return LoadWorkflow(m.workRoot, jobID)
}

// LoadWorkflow reads the workflow persisted next to a job's workspace.
func LoadWorkflow(workRoot, jobID string) (*models.WorkflowSpec, error) {
	data, err := os.ReadFile(filepath.Join(workRoot, jobID, workflowFileName))
	if err != nil {
		return nil, err
	}

	var workflow models.WorkflowSpec
	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, err
	}

	return &workflow, nil
}

func (m *Manager) publish(ctx context.Context, jobID string, event eventbus.Event) {
	if err := m.stream.Publish(ctx, jobID, event); err != nil {
		m.logger.WarnContext(ctx, "Failed to publish event",
			"job_id", jobID, "event_type", event.GetType(), "error", err)
	}
}

func remove(ids []string, id string) []string {
	out := ids[:0]

	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}

	return out
}
