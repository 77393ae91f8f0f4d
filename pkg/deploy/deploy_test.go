package deploy_test

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/phasor/pkg/deploy"
	"github.com/forgeline/phasor/pkg/eventbus"
	"github.com/forgeline/phasor/pkg/events"
	"github.com/forgeline/phasor/pkg/executor"
	"github.com/forgeline/phasor/pkg/gates"
	"github.com/forgeline/phasor/pkg/models"
	"github.com/forgeline/phasor/pkg/persistence/file"
	"github.com/forgeline/phasor/pkg/status"
)

type fixture struct {
	pipeline *deploy.Pipeline
	repo     *file.JobRepository
	stream   *eventbus.Stream
	workRoot string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	repo := file.NewJobRepository(root)
	stream := eventbus.NewStream(file.NewEventLogRepository(root), nil, slog.Default())
	statuses := status.NewSynchronizer(repo, stream, slog.Default())
	workRoot := t.TempDir()

	pipeline := deploy.NewPipeline(repo, file.NewPathLocker(root), statuses, stream,
		gates.NewDefaultRegistry(slog.Default()), workRoot, slog.Default())

	return &fixture{pipeline: pipeline, repo: repo, stream: stream, workRoot: workRoot}
}

func workflowFixture() *models.WorkflowSpec {
	return &models.WorkflowSpec{
		Project: "billing",
		Phases: []models.PhaseSpec{
			{
				ID: "implement", Name: "Implement", Type: models.PhaseTypeDevelopment,
				Output:      models.ArtifactSpec{Files: []string{"invoice.go"}},
				QualityGate: models.QualityGateSpec{Type: models.GateTypeFilesExist},
			},
			{
				ID: "document", Name: "Document", Type: models.PhaseTypeDocumentation,
				Dependencies: []string{"implement"},
				Output:       models.ArtifactSpec{Files: []string{"docs/invoice.md"}},
				QualityGate:  models.QualityGateSpec{Type: models.GateTypeFilesExist},
			},
		},
	}
}

// seedReadyJob stores a ready job record, its workflow file and the phase
// workspaces with their declared outputs in place.
func (f *fixture) seedReadyJob(t *testing.T, jobID string) {
	t.Helper()

	now := time.Now().UTC()
	require.NoError(t, f.repo.Save(t.Context(), &models.Job{
		ID:      jobID,
		Project: "billing",
		Status:  models.JobStatusReady,
		Phases: map[string]*models.PhaseRecord{
			"implement": {PhaseID: "implement", Status: models.PhaseStatusCompleted, AttemptCount: 1},
			"document":  {PhaseID: "document", Status: models.PhaseStatusCompleted, AttemptCount: 1},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}))

	jobRoot := filepath.Join(f.workRoot, jobID)
	require.NoError(t, os.MkdirAll(jobRoot, 0o755))

	data, err := json.Marshal(workflowFixture())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(jobRoot, "workflow.json"), data, 0o644))

	writeFile(t, executor.PhaseWorkspace(jobRoot, "implement"), "invoice.go", "package billing\n")
	writeFile(t, executor.PhaseWorkspace(jobRoot, "document"), "docs/invoice.md", "# invoicing\n")
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDeploy_CopiesDeclaredOutputs(t *testing.T) {
	f := newFixture(t)
	f.seedReadyJob(t, "job-1")
	target := t.TempDir()

	require.NoError(t, f.pipeline.Deploy(t.Context(), "job-1", target))

	code, err := os.ReadFile(filepath.Join(target, "invoice.go"))
	require.NoError(t, err)
	assert.Equal(t, "package billing\n", string(code))

	docs, err := os.ReadFile(filepath.Join(target, "docs", "invoice.md"))
	require.NoError(t, err)
	assert.Equal(t, "# invoicing\n", string(docs))
}

func TestDeploy_RejectsUnfinishedJob(t *testing.T) {
	f := newFixture(t)
	f.seedReadyJob(t, "job-1")

	job, err := f.repo.GetByID(t.Context(), "job-1")
	require.NoError(t, err)
	job.Status = models.JobStatusRunning
	require.NoError(t, f.repo.SaveDirect(t.Context(), job))

	err = f.pipeline.Deploy(t.Context(), "job-1", t.TempDir())
	require.ErrorIs(t, err, deploy.ErrJobNotReady)
}

func TestValidate_PassesOnDeployedTree(t *testing.T) {
	f := newFixture(t)
	f.seedReadyJob(t, "job-1")
	target := t.TempDir()

	require.NoError(t, f.pipeline.Deploy(t.Context(), "job-1", target))

	results, err := f.pipeline.Validate(t.Context(), "job-1", target)
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, result := range results {
		assert.True(t, result.Passed())
	}
}

func TestValidate_FailsOnTamperedTree(t *testing.T) {
	f := newFixture(t)
	f.seedReadyJob(t, "job-1")
	target := t.TempDir()

	require.NoError(t, f.pipeline.Deploy(t.Context(), "job-1", target))
	require.NoError(t, os.Remove(filepath.Join(target, "invoice.go")))

	_, err := f.pipeline.Validate(t.Context(), "job-1", target)
	require.ErrorIs(t, err, deploy.ErrValidationFailed)
}

func TestIntegrate_MarksJobIntegrated(t *testing.T) {
	f := newFixture(t)
	f.seedReadyJob(t, "job-1")
	target := t.TempDir()

	require.NoError(t, f.pipeline.Integrate(t.Context(), "job-1", target))

	job, err := f.repo.GetByID(t.Context(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusIntegrated, job.Status)

	decoded, err := f.stream.Replay(t.Context(), "job-1", 0)
	require.NoError(t, err)

	var integrated *events.JobIntegrated

	for _, event := range decoded {
		if e, ok := event.(*events.JobIntegrated); ok {
			integrated = e
		}
	}

	require.NotNil(t, integrated)
	assert.Equal(t, target, integrated.Target)
}
