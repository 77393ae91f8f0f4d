// Package orchestrator walks a job's dependency graph, fanning independent
// phases out to the executor and funneling results back until the job
// reaches a terminal state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/forgeline/phasor/pkg/eventbus"
	"github.com/forgeline/phasor/pkg/events"
	"github.com/forgeline/phasor/pkg/executor"
	"github.com/forgeline/phasor/pkg/models"
	"github.com/forgeline/phasor/pkg/otelhelper"
	"github.com/forgeline/phasor/pkg/spec"
	"github.com/forgeline/phasor/pkg/status"
)

// DefaultConcurrency bounds how many phases run at once per job.
const DefaultConcurrency = 4

// PhaseRunner executes one phase to a terminal outcome.
type PhaseRunner interface {
	Execute(ctx context.Context, jobID, jobRoot string, phase models.PhaseSpec) (executor.Result, error)
}

// RunOutcome is how one orchestration run ended.
type RunOutcome string

const (
	RunCompleted RunOutcome = "completed" // Every phase passed, job is ready
	RunFailed    RunOutcome = "failed"
	RunPaused    RunOutcome = "paused" // A phase parked on its manual gate
	RunCancelled RunOutcome = "cancelled"
)

// Orchestrator runs whole jobs phase by phase.
type Orchestrator struct {
	runner      PhaseRunner
	statuses    *status.Synchronizer
	stream      *eventbus.Stream
	logger      *slog.Logger
	tracer      trace.Tracer
	concurrency int
}

// New creates an orchestrator with the default fan-out limit.
func New(runner PhaseRunner, statuses *status.Synchronizer, stream *eventbus.Stream, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		runner:      runner,
		statuses:    statuses,
		stream:      stream,
		logger:      logger,
		tracer:      noop.NewTracerProvider().Tracer("orchestrator"),
		concurrency: DefaultConcurrency,
	}
}

// WithConcurrency overrides the per-job fan-out limit.
func (o *Orchestrator) WithConcurrency(limit int) *Orchestrator {
	if limit > 0 {
		o.concurrency = limit
	}

	return o
}

// WithTracer enables tracing of phase runs.
func (o *Orchestrator) WithTracer(tracer trace.Tracer) *Orchestrator {
	if tracer != nil {
		o.tracer = tracer
	}

	return o
}

type phaseResult struct {
	phase  models.PhaseSpec
	result executor.Result
	err    error
}

// Run executes the workflow for the job until every phase passed, a phase
// escalated or parked on approval, or the context was cancelled. Phases
// already completed in the job record are skipped, which is how a job
// resumes after an approval. New phases stop being scheduled as soon as one
// branch fails; branches already running finish and are recorded.
func (o *Orchestrator) Run(ctx context.Context, jobID, jobRoot string, workflow *models.WorkflowSpec) (RunOutcome, error) {
	logger := o.logger.With("job_id", jobID)

	graph, err := spec.NewDependencyGraph(workflow.Phases)
	if err != nil {
		return "", err
	}

	job, err := o.statuses.GetStatus(ctx, jobID)
	if err != nil {
		return "", err
	}

	for id, record := range job.Phases {
		switch record.Status {
		case models.PhaseStatusCompleted:
			graph.MarkCompleted(id)
		case models.PhaseStatusPendingApproval:
			// A parked phase keeps the whole job parked.
			return RunPaused, nil
		}
	}

	o.publish(ctx, jobID, events.JobStarted{
		BaseEvent: events.NewBaseEvent(events.JobStartedEvent, jobID),
		Project:   job.Project,
		Phases:    len(workflow.Phases),
	})

	start := time.Now()

	sem := make(chan struct{}, o.concurrency)
	results := make(chan phaseResult)
	inflight := 0

	launch := func(phase models.PhaseSpec) {
		inflight++

		go func() {
			sem <- struct{}{}
			defer func() { <-sem }()

			spanCtx, span := otelhelper.StartSpan(ctx, o.tracer, "phase.run",
				attribute.String(otelhelper.JobIDKey, jobID),
				attribute.String(otelhelper.PhaseIDKey, phase.ID),
				attribute.String(otelhelper.PhaseTypeKey, string(phase.Type)),
			)
			defer span.End()

			result, err := o.runner.Execute(spanCtx, jobID, jobRoot, phase)
			if err != nil {
				otelhelper.SetError(span, err)
			} else {
				span.SetAttributes(
					attribute.String("phase.outcome", string(result.Outcome)),
					attribute.Int(otelhelper.AttemptKey, result.Attempts),
				)
			}

			results <- phaseResult{phase: phase, result: result, err: err}
		}()
	}

	for _, phase := range graph.Ready() {
		launch(phase)
	}

	var (
		outcome    = RunCompleted
		stopping   bool
		failedAt   string
		failDetail string
	)

	worsen := func(next RunOutcome) {
		if severity(next) > severity(outcome) {
			outcome = next
		}

		stopping = true
	}

	for inflight > 0 {
		pr := <-results
		inflight--

		if pr.err != nil {
			logger.Error("Phase execution failed", "phase_id", pr.phase.ID, "error", pr.err)
			graph.MarkFailed(pr.phase.ID)

			if failDetail == "" {
				failedAt = pr.phase.ID
				failDetail = pr.err.Error()
			}

			worsen(RunFailed)

			continue
		}

		switch pr.result.Outcome {
		case executor.OutcomeCompleted:
			unblocked := graph.MarkCompleted(pr.phase.ID)

			if stopping {
				continue
			}

			for _, phase := range unblocked {
				launch(phase)
			}
		case executor.OutcomePendingApproval:
			worsen(RunPaused)
		case executor.OutcomeEscalated:
			graph.MarkFailed(pr.phase.ID)

			if failDetail == "" {
				failedAt = pr.phase.ID

				if pr.result.Decision != nil {
					failDetail = pr.result.Decision.Reason
				}
			}

			worsen(RunFailed)
		case executor.OutcomeCancelled:
			graph.MarkFailed(pr.phase.ID)
			worsen(RunCancelled)
		}
	}

	if outcome == RunCompleted && graph.Remaining() > 0 {
		outcome = RunFailed
		failDetail = fmt.Sprintf("%d phases never became ready", graph.Remaining())
	}

	return outcome, o.finalize(ctx, jobID, outcome, failedAt, failDetail, time.Since(start))
}

// finalize applies the job-level transition for the run outcome. A paused
// job stays running and is finalized by a later run.
func (o *Orchestrator) finalize(ctx context.Context, jobID string, outcome RunOutcome,
	failedAt, failDetail string, elapsed time.Duration,
) error {
	switch outcome {
	case RunCompleted:
		if err := o.statuses.MarkReady(ctx, jobID); err != nil {
			return err
		}

		o.publish(ctx, jobID, events.JobReady{
			BaseEvent:  events.NewBaseEvent(events.JobReadyEvent, jobID),
			DurationMs: elapsed.Milliseconds(),
		})
	case RunFailed:
		if err := o.statuses.MarkFailed(ctx, jobID, failDetail); err != nil {
			return err
		}

		o.publish(ctx, jobID, events.JobFailed{
			BaseEvent:  events.NewBaseEvent(events.JobFailedEvent, jobID),
			Error:      failDetail,
			FailedAt:   failedAt,
			DurationMs: elapsed.Milliseconds(),
		})
	case RunCancelled:
		detached := context.WithoutCancel(ctx)

		if err := o.statuses.MarkCancelled(detached, jobID); err != nil {
			return err
		}

		o.publish(detached, jobID, events.JobCancelled{
			BaseEvent: events.NewBaseEvent(events.JobCancelledEvent, jobID),
		})
	}

	return nil
}

func (o *Orchestrator) publish(ctx context.Context, jobID string, event eventbus.Event) {
	if err := o.stream.Publish(ctx, jobID, event); err != nil {
		o.logger.WarnContext(ctx, "Failed to publish event",
			"job_id", jobID, "event_type", event.GetType(), "error", err)
	}
}

func severity(outcome RunOutcome) int {
	switch outcome {
	case RunCancelled:
		return 3
	case RunFailed:
		return 2
	case RunPaused:
		return 1
	default:
		return 0
	}
}
