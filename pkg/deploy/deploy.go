// Package deploy moves the outputs of a ready job into a target tree,
// re-validates them in place and records the integration.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/forgeline/phasor/pkg/eventbus"
	"github.com/forgeline/phasor/pkg/events"
	"github.com/forgeline/phasor/pkg/executor"
	"github.com/forgeline/phasor/pkg/gates"
	"github.com/forgeline/phasor/pkg/jobs"
	"github.com/forgeline/phasor/pkg/models"
	"github.com/forgeline/phasor/pkg/persistence"
	"github.com/forgeline/phasor/pkg/status"
)

// ErrJobNotReady indicates a deploy attempt on a job whose phases have not
// all passed.
var ErrJobNotReady = errors.New("job not ready for deploy")

// ErrValidationFailed indicates the deployed tree did not pass the workflow's
// quality gates.
var ErrValidationFailed = errors.New("deployed output failed validation")

// Pipeline deploys and integrates finished jobs. The target path is guarded
// by a path lock so two jobs never deploy into the same tree at once.
type Pipeline struct {
	repo     persistence.JobRepository
	locker   persistence.PathLocker
	statuses *status.Synchronizer
	stream   *eventbus.Stream
	registry *gates.Registry
	workRoot string
	logger   *slog.Logger
}

// NewPipeline creates a deploy pipeline over the job workspaces in workRoot.
func NewPipeline(repo persistence.JobRepository, locker persistence.PathLocker,
	statuses *status.Synchronizer, stream *eventbus.Stream, registry *gates.Registry,
	workRoot string, logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		repo:     repo,
		locker:   locker,
		statuses: statuses,
		stream:   stream,
		registry: registry,
		workRoot: workRoot,
		logger:   logger,
	}
}

// Deploy copies every declared phase output of a ready job into the target
// directory, preserving relative paths.
func (p *Pipeline) Deploy(ctx context.Context, jobID, target string) error {
	job, err := p.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status != models.JobStatusReady && job.Status != models.JobStatusIntegrated {
		return fmt.Errorf("%w: job %s is %s", ErrJobNotReady, jobID, job.Status)
	}

	workflow, err := jobs.LoadWorkflow(p.workRoot, jobID)
	if err != nil {
		return fmt.Errorf("load workflow for job %s: %w", jobID, err)
	}

	release, err := p.locker.AcquirePath(ctx, target)
	if err != nil {
		return err
	}
	defer release()

	jobRoot := filepath.Join(p.workRoot, jobID)

	for _, phase := range workflow.Phases {
		workspace := executor.PhaseWorkspace(jobRoot, phase.ID)

		for _, name := range phase.Output.Files {
			if err := copyFile(filepath.Join(workspace, name), filepath.Join(target, name)); err != nil {
				return fmt.Errorf("deploy output %s of phase %s: %w", name, phase.ID, err)
			}
		}
	}

	p.logger.InfoContext(ctx, "Deployed job outputs", "job_id", jobID, "target", target)

	return nil
}

// Validate re-runs each phase's quality gate against the deployed tree.
// Manual gates are skipped, they were already resolved during the run.
func (p *Pipeline) Validate(ctx context.Context, jobID, target string) ([]models.GateResult, error) {
	workflow, err := jobs.LoadWorkflow(p.workRoot, jobID)
	if err != nil {
		return nil, fmt.Errorf("load workflow for job %s: %w", jobID, err)
	}

	var results []models.GateResult

	for _, phase := range workflow.Phases {
		if phase.QualityGate.Type == models.GateTypeManual {
			continue
		}

		gate, err := p.registry.Create(phase.QualityGate)
		if err != nil {
			return nil, err
		}

		result, err := gate.Evaluate(ctx, target, phase)
		if err != nil {
			return nil, fmt.Errorf("validate phase %s: %w", phase.ID, err)
		}

		results = append(results, result)

		if !result.Passed() {
			return results, fmt.Errorf("%w: gate %s of phase %s", ErrValidationFailed, result.GateType, phase.ID)
		}
	}

	return results, nil
}

// Integrate deploys, validates and records the job as integrated. It is the
// end of a job's life: integrated is terminal.
func (p *Pipeline) Integrate(ctx context.Context, jobID, target string) error {
	if err := p.Deploy(ctx, jobID, target); err != nil {
		return err
	}

	if _, err := p.Validate(ctx, jobID, target); err != nil {
		return err
	}

	if err := p.statuses.MarkIntegrated(ctx, jobID); err != nil {
		return err
	}

	if err := p.stream.Publish(ctx, jobID, events.JobIntegrated{
		BaseEvent: events.NewBaseEvent(events.JobIntegratedEvent, jobID),
		Target:    target,
	}); err != nil {
		p.logger.WarnContext(ctx, "Failed to publish integration event", "job_id", jobID, "error", err)
	}

	return nil
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return err
	}

	return out.Close()
}
