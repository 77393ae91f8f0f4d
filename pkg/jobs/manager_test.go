package jobs_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/phasor/pkg/eventbus"
	"github.com/forgeline/phasor/pkg/events"
	"github.com/forgeline/phasor/pkg/executor"
	"github.com/forgeline/phasor/pkg/jobs"
	"github.com/forgeline/phasor/pkg/models"
	"github.com/forgeline/phasor/pkg/orchestrator"
	"github.com/forgeline/phasor/pkg/persistence/file"
	"github.com/forgeline/phasor/pkg/spec"
	"github.com/forgeline/phasor/pkg/status"
)

// scriptedRunner performs real status transitions with scripted outcomes so
// the manager is exercised against a live synchronizer.
type scriptedRunner struct {
	statuses *status.Synchronizer
	delay    time.Duration

	mu       sync.Mutex
	outcomes map[string]executor.Outcome // phaseID -> outcome, default completed
}

func (s *scriptedRunner) setOutcome(phaseID string, outcome executor.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outcomes == nil {
		s.outcomes = make(map[string]executor.Outcome)
	}

	s.outcomes[phaseID] = outcome
}

func (s *scriptedRunner) Execute(ctx context.Context, jobID, _ string, phase models.PhaseSpec) (executor.Result, error) {
	if err := s.statuses.StartPhase(ctx, jobID, phase.ID); err != nil {
		return executor.Result{}, err
	}

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			if err := s.statuses.CancelPhase(context.WithoutCancel(ctx), jobID, phase.ID); err != nil {
				return executor.Result{}, err
			}

			return executor.Result{Outcome: executor.OutcomeCancelled}, nil
		}
	}

	s.mu.Lock()
	outcome, ok := s.outcomes[phase.ID]
	s.mu.Unlock()

	if !ok {
		outcome = executor.OutcomeCompleted
	}

	switch outcome {
	case executor.OutcomePendingApproval:
		if err := s.statuses.SuspendPhase(ctx, jobID, phase.ID); err != nil {
			return executor.Result{}, err
		}
	case executor.OutcomeEscalated:
		if err := s.statuses.FailPhase(ctx, jobID, phase.ID, "scripted failure"); err != nil {
			return executor.Result{}, err
		}

		decision := models.EscalationDecision{Level: models.EscalationHuman, Reason: "scripted failure"}

		return executor.Result{Outcome: outcome, Decision: &decision}, nil
	default:
		if err := s.statuses.CompletePhase(ctx, jobID, phase.ID); err != nil {
			return executor.Result{}, err
		}
	}

	return executor.Result{Outcome: outcome}, nil
}

type fixture struct {
	manager *jobs.Manager
	runner  *scriptedRunner
	repo    *file.JobRepository
	stream  *eventbus.Stream
	root    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	repo := file.NewJobRepository(root)
	stream := eventbus.NewStream(file.NewEventLogRepository(root), nil, slog.Default())
	statuses := status.NewSynchronizer(repo, stream, slog.Default())
	runner := &scriptedRunner{statuses: statuses}
	orch := orchestrator.New(runner, statuses, stream, slog.Default())
	workRoot := t.TempDir()

	manager := jobs.NewManager(repo, statuses, orch, stream, workRoot, slog.Default())
	t.Cleanup(manager.Close)

	return &fixture{manager: manager, runner: runner, repo: repo, stream: stream, root: workRoot}
}

func (f *fixture) awaitStatus(t *testing.T, jobID string, want models.JobStatus) *models.Job {
	t.Helper()

	var job *models.Job

	require.Eventually(t, func() bool {
		var err error

		job, err = f.repo.GetByID(context.Background(), jobID)

		return err == nil && job.Status == want
	}, 5*time.Second, 20*time.Millisecond, "job %s never reached %s", jobID, want)

	return job
}

func twoPhaseWorkflow() *models.WorkflowSpec {
	return &models.WorkflowSpec{
		Project: "billing",
		Phases: []models.PhaseSpec{
			{
				ID: "design", Name: "Design", Type: models.PhaseTypeDevelopment,
				QualityGate: models.QualityGateSpec{Type: models.GateTypeFilesExist},
			},
			{
				ID: "implement", Name: "Implement", Type: models.PhaseTypeDevelopment,
				Dependencies: []string{"design"},
				QualityGate:  models.QualityGateSpec{Type: models.GateTypeFilesExist},
			},
		},
	}
}

func TestSubmit_RunsJobToReady(t *testing.T) {
	f := newFixture(t)

	jobID, err := f.manager.Submit(t.Context(), twoPhaseWorkflow())
	require.NoError(t, err)

	job := f.awaitStatus(t, jobID, models.JobStatusReady)
	assert.Equal(t, models.PhaseStatusCompleted, job.Phases["design"].Status)
	assert.Equal(t, models.PhaseStatusCompleted, job.Phases["implement"].Status)
	assert.Equal(t, 100, job.Progress())
}

func TestSubmit_PhaseFilterRestrictsRun(t *testing.T) {
	f := newFixture(t)

	jobID, err := f.manager.Submit(t.Context(), twoPhaseWorkflow(), "design")
	require.NoError(t, err)

	job := f.awaitStatus(t, jobID, models.JobStatusReady)
	assert.Equal(t, models.PhaseStatusCompleted, job.Phases["design"].Status)
	assert.NotContains(t, job.Phases, "implement", "filtered-out phases must not run")

	// Selecting the dependent phase pulls its dependency back in.
	jobID, err = f.manager.Submit(t.Context(), twoPhaseWorkflow(), "implement")
	require.NoError(t, err)

	job = f.awaitStatus(t, jobID, models.JobStatusReady)
	assert.Equal(t, models.PhaseStatusCompleted, job.Phases["design"].Status)
	assert.Equal(t, models.PhaseStatusCompleted, job.Phases["implement"].Status)
}

func TestSubmit_UnknownPhaseFilterFails(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Submit(t.Context(), twoPhaseWorkflow(), "deploy")
	require.Error(t, err)
	assert.True(t, spec.IsSpecError(err))
}

func TestSubmit_AdmissionQueuesBeyondLimit(t *testing.T) {
	f := newFixture(t)
	f.manager.WithMaxRunning(1)
	f.runner.delay = 300 * time.Millisecond

	first, err := f.manager.Submit(t.Context(), twoPhaseWorkflow())
	require.NoError(t, err)

	second, err := f.manager.Submit(t.Context(), twoPhaseWorkflow())
	require.NoError(t, err)

	f.awaitStatus(t, second, models.JobStatusQueued)

	// The queued job starts once the first slot frees and runs to ready.
	f.awaitStatus(t, first, models.JobStatusReady)
	f.awaitStatus(t, second, models.JobStatusReady)

	decoded, err := f.stream.Replay(t.Context(), second, 0)
	require.NoError(t, err)

	queued := false

	for _, event := range decoded {
		if _, ok := event.(*events.JobQueued); ok {
			queued = true
		}
	}

	assert.True(t, queued)
}

func TestCancel_RunningJob(t *testing.T) {
	f := newFixture(t)
	f.runner.delay = 5 * time.Second

	jobID, err := f.manager.Submit(t.Context(), twoPhaseWorkflow())
	require.NoError(t, err)

	f.awaitStatus(t, jobID, models.JobStatusRunning)
	require.NoError(t, f.manager.Cancel(t.Context(), jobID))

	job := f.awaitStatus(t, jobID, models.JobStatusCancelled)
	assert.Equal(t, models.PhaseStatusCancelled, job.Phases["design"].Status)
}

func TestCancel_QueuedJob(t *testing.T) {
	f := newFixture(t)
	f.manager.WithMaxRunning(1)
	f.runner.delay = 2 * time.Second

	_, err := f.manager.Submit(t.Context(), twoPhaseWorkflow())
	require.NoError(t, err)

	queued, err := f.manager.Submit(t.Context(), twoPhaseWorkflow())
	require.NoError(t, err)

	f.awaitStatus(t, queued, models.JobStatusQueued)
	require.NoError(t, f.manager.Cancel(t.Context(), queued))
	f.awaitStatus(t, queued, models.JobStatusCancelled)
}

func TestCancel_FinishedJobFails(t *testing.T) {
	f := newFixture(t)

	jobID, err := f.manager.Submit(t.Context(), twoPhaseWorkflow())
	require.NoError(t, err)

	f.awaitStatus(t, jobID, models.JobStatusReady)

	err = f.manager.Cancel(t.Context(), jobID)
	require.ErrorIs(t, err, jobs.ErrJobFinished)
}

func TestApprove_ResumesParkedJob(t *testing.T) {
	f := newFixture(t)
	f.runner.setOutcome("design", executor.OutcomePendingApproval)

	jobID, err := f.manager.Submit(t.Context(), twoPhaseWorkflow())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := f.repo.GetByID(context.Background(), jobID)

		return err == nil && job.Phases["design"] != nil &&
			job.Phases["design"].Status == models.PhaseStatusPendingApproval
	}, 5*time.Second, 20*time.Millisecond)

	f.runner.setOutcome("design", executor.OutcomeCompleted)
	require.NoError(t, f.manager.Approve(t.Context(), jobID, "design", "looks good"))

	job := f.awaitStatus(t, jobID, models.JobStatusReady)
	assert.Equal(t, models.PhaseStatusCompleted, job.Phases["design"].Status)
	assert.Equal(t, models.PhaseStatusCompleted, job.Phases["implement"].Status)
}

func TestReject_FailsJob(t *testing.T) {
	f := newFixture(t)
	f.runner.setOutcome("design", executor.OutcomePendingApproval)

	jobID, err := f.manager.Submit(t.Context(), twoPhaseWorkflow())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := f.repo.GetByID(context.Background(), jobID)

		return err == nil && job.Phases["design"] != nil &&
			job.Phases["design"].Status == models.PhaseStatusPendingApproval
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, f.manager.Reject(t.Context(), jobID, "design", "wrong approach"))

	job := f.awaitStatus(t, jobID, models.JobStatusFailed)
	assert.Equal(t, models.PhaseStatusFailed, job.Phases["design"].Status)
	assert.Equal(t, "wrong approach", job.Phases["design"].Error)
}

func TestApprove_WithoutParkedPhaseFails(t *testing.T) {
	f := newFixture(t)

	jobID, err := f.manager.Submit(t.Context(), twoPhaseWorkflow())
	require.NoError(t, err)

	f.awaitStatus(t, jobID, models.JobStatusReady)

	err = f.manager.Approve(t.Context(), jobID, "design", "")
	require.ErrorIs(t, err, jobs.ErrNoApprovalPending)
}

func TestRecover_FailsInterruptedJobs(t *testing.T) {
	f := newFixture(t)

	// A record left behind by a crashed engine: running with no live run.
	now := time.Now().UTC()
	started := now.Add(-time.Hour)
	require.NoError(t, f.repo.Save(t.Context(), &models.Job{
		ID:      "orphan",
		Project: "billing",
		Status:  models.JobStatusRunning,
		Phases: map[string]*models.PhaseRecord{
			"design": {PhaseID: "design", Status: models.PhaseStatusRunning, AttemptCount: 1, StartedAt: &started},
		},
		CreatedAt: started,
		UpdatedAt: started,
	}))

	require.NoError(t, f.manager.Recover(t.Context()))

	job, err := f.repo.GetByID(t.Context(), "orphan")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.PhaseStatusFailed, job.Phases["design"].Status)
	assert.Contains(t, job.Error, "interrupted by engine restart")
}

func TestRecover_LeavesParkedJobsAlone(t *testing.T) {
	f := newFixture(t)

	now := time.Now().UTC()
	require.NoError(t, f.repo.Save(t.Context(), &models.Job{
		ID:      "parked",
		Project: "billing",
		Status:  models.JobStatusRunning,
		Phases: map[string]*models.PhaseRecord{
			"design": {PhaseID: "design", Status: models.PhaseStatusPendingApproval, AttemptCount: 1},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}))

	require.NoError(t, f.manager.Recover(t.Context()))

	job, err := f.repo.GetByID(t.Context(), "parked")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, models.PhaseStatusPendingApproval, job.Phases["design"].Status)
}

func TestPrune_RemovesOldFinishedJobs(t *testing.T) {
	f := newFixture(t)
	f.manager.WithRetention(time.Hour)

	jobID, err := f.manager.Submit(t.Context(), twoPhaseWorkflow())
	require.NoError(t, err)

	f.awaitStatus(t, jobID, models.JobStatusReady)

	// Ready jobs await deploy and are never pruned.
	require.NoError(t, f.manager.Prune(t.Context()))

	_, err = f.repo.GetByID(t.Context(), jobID)
	require.NoError(t, err)

	// Age a cancelled job past the retention window.
	old := time.Now().UTC().Add(-2 * time.Hour)
	job, err := f.repo.GetByID(t.Context(), jobID)
	require.NoError(t, err)
	job.Status = models.JobStatusCancelled
	job.UpdatedAt = old
	require.NoError(t, f.repo.SaveDirect(t.Context(), job))

	require.NoError(t, f.manager.Prune(t.Context()))

	_, err = f.repo.GetByID(t.Context(), jobID)
	require.Error(t, err)

	_, statErr := os.Stat(f.root + "/" + jobID)
	assert.True(t, os.IsNotExist(statErr))
}