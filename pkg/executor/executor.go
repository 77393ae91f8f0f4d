// Package executor drives one phase attempt loop: workspace, worker, gate,
// and escalation, with every transition persisted before the next step runs.
package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgeline/phasor/pkg/agent"
	"github.com/forgeline/phasor/pkg/escalation"
	"github.com/forgeline/phasor/pkg/eventbus"
	"github.com/forgeline/phasor/pkg/events"
	"github.com/forgeline/phasor/pkg/gates"
	"github.com/forgeline/phasor/pkg/models"
	"github.com/forgeline/phasor/pkg/status"
)

const (
	// DefaultPhaseTimeout bounds a worker run when the phase spec does not.
	DefaultPhaseTimeout = 30 * time.Minute

	// DefaultMaxRetries is the attempt budget when the phase spec does not
	// set one.
	DefaultMaxRetries = 3

	// Worker exit statuses with a fixed meaning, per sysexits.
	exitUnavailable = 69 // EX_UNAVAILABLE, infrastructure failure
	exitNoPerm      = 77 // EX_NOPERM, permission failure

	hintExcerptLines = 20
)

// Outcome is how a phase attempt loop ended.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomePendingApproval Outcome = "pending_approval"
	OutcomeEscalated       Outcome = "escalated"
	OutcomeCancelled       Outcome = "cancelled"
)

// Result is the terminal state of one phase execution.
type Result struct {
	Outcome  Outcome
	Gate     models.GateResult
	Decision *models.EscalationDecision // Set when Outcome is OutcomeEscalated
	Attempts int
}

// Executor runs single phases to a terminal outcome.
type Executor struct {
	runner      *agent.Runner
	registry    *gates.Registry
	escalations *escalation.Manager
	statuses    *status.Synchronizer
	stream      *eventbus.Stream
	logger      *slog.Logger
}

// New creates a phase executor.
func New(runner *agent.Runner, registry *gates.Registry, escalations *escalation.Manager,
	statuses *status.Synchronizer, stream *eventbus.Stream, logger *slog.Logger,
) *Executor {
	return &Executor{
		runner:      runner,
		registry:    registry,
		escalations: escalations,
		statuses:    statuses,
		stream:      stream,
		logger:      logger,
	}
}

// PhaseWorkspace returns the working directory of a phase under the job root.
func PhaseWorkspace(jobRoot, phaseID string) string {
	return filepath.Join(jobRoot, "phases", phaseID)
}

// Execute runs the phase until it completes, parks on a manual gate,
// escalates, or is cancelled. Each attempt is a fresh worker run in the same
// phase workspace; every status transition lands in durable storage before
// the next step starts.
func (e *Executor) Execute(ctx context.Context, jobID, jobRoot string, phase models.PhaseSpec) (Result, error) {
	logger := e.logger.With("job_id", jobID, "phase_id", phase.ID)

	workspace, err := e.prepareWorkspace(jobRoot, phase)
	if err != nil {
		message := fmt.Sprintf("workspace preparation failed: %v", err)

		// The phase has to enter running before it can record a failure.
		if err := e.statuses.StartPhase(ctx, jobID, phase.ID); err != nil {
			return Result{}, err
		}

		if err := e.statuses.FailPhase(ctx, jobID, phase.ID, message); err != nil {
			return Result{}, err
		}

		decision := e.escalations.Decide(escalation.Signal{
			Kind:       models.FailureInfrastructure,
			Attempt:    0,
			MaxRetries: maxRetries(phase),
			Detail:     message,
		})
		e.publishEscalation(ctx, jobID, phase.ID, decision)

		return Result{Outcome: OutcomeEscalated, Decision: &decision}, nil
	}

	gate, err := e.registry.Create(phase.QualityGate)
	if err != nil {
		return Result{}, fmt.Errorf("create gate for phase %s: %w", phase.ID, err)
	}

	budget := maxRetries(phase)
	hint := ""

	for attempt := 1; ; attempt++ {
		if err := e.statuses.StartPhase(ctx, jobID, phase.ID); err != nil {
			return Result{}, err
		}

		e.publish(ctx, jobID, events.PhaseStarted{
			BaseEvent: events.NewBaseEvent(events.PhaseStartedEvent, jobID),
			PhaseID:   phase.ID,
			Attempt:   attempt,
		})

		started := time.Now()
		runResult, err := e.runAttempt(ctx, jobID, workspace, phase, hint)
		if err != nil {
			return Result{}, err
		}

		if runResult.Cancelled {
			// The transition must land even though ctx is already done.
			if err := e.statuses.CancelPhase(context.WithoutCancel(ctx), jobID, phase.ID); err != nil {
				return Result{}, err
			}

			return Result{Outcome: OutcomeCancelled, Attempts: attempt}, nil
		}

		var (
			kind       models.FailureKind
			detail     string
			gateResult models.GateResult
		)

		if runResult.TimedOut || runResult.ExitStatus != 0 {
			kind = classifyFailure(runResult)
			detail = failureDetail(runResult)
		} else {
			gateResult, err = gate.Evaluate(ctx, workspace, phase)
			if err != nil {
				return Result{}, fmt.Errorf("evaluate gate for phase %s: %w", phase.ID, err)
			}

			e.publish(ctx, jobID, events.GateEvaluated{
				BaseEvent: events.NewBaseEvent(events.GateEvaluatedEvent, jobID),
				PhaseID:   phase.ID,
				Gate:      gateResult.GateType,
				Outcome:   gateResult.Outcome,
				Details:   gateResult.Details,
			})

			switch gateResult.Outcome {
			case models.GateOutcomePending:
				if err := e.statuses.SuspendPhase(ctx, jobID, phase.ID); err != nil {
					return Result{}, err
				}

				e.publish(ctx, jobID, events.ApprovalRequired{
					BaseEvent: events.NewBaseEvent(events.ApprovalRequiredEvent, jobID),
					PhaseID:   phase.ID,
				})

				logger.Info("Phase awaiting approval", "attempt", attempt)

				return Result{Outcome: OutcomePendingApproval, Gate: gateResult, Attempts: attempt}, nil
			case models.GateOutcomePassed, models.GateOutcomeWarnings:
				if err := e.statuses.CompletePhase(ctx, jobID, phase.ID); err != nil {
					return Result{}, err
				}

				e.publish(ctx, jobID, events.PhaseCompleted{
					BaseEvent:  events.NewBaseEvent(events.PhaseCompletedEvent, jobID),
					PhaseID:    phase.ID,
					Attempt:    attempt,
					DurationMs: time.Since(started).Milliseconds(),
				})

				return Result{Outcome: OutcomeCompleted, Gate: gateResult, Attempts: attempt}, nil
			default:
				kind = models.FailureGate
				detail = strings.Join(gateResult.Details, "; ")
			}
		}

		e.publish(ctx, jobID, events.PhaseFailed{
			BaseEvent: events.NewBaseEvent(events.PhaseFailedEvent, jobID),
			PhaseID:   phase.ID,
			Attempt:   attempt,
			Kind:      kind,
			Error:     detail,
		})

		if err := e.statuses.FailPhase(ctx, jobID, phase.ID, detail); err != nil {
			return Result{}, err
		}

		decision := e.escalations.Decide(escalation.Signal{
			Kind:       kind,
			Attempt:    attempt,
			MaxRetries: budget,
			Detail:     detail,
		})

		if decision.Level == models.EscalationAutonomous && hasAction(decision, models.RemediationRetryWithHint) {
			hint = detail

			e.publish(ctx, jobID, events.PhaseRetrying{
				BaseEvent: events.NewBaseEvent(events.PhaseRetryingEvent, jobID),
				PhaseID:   phase.ID,
				Attempt:   attempt + 1,
				Hint:      hint,
			})

			logger.Info("Retrying phase", "attempt", attempt+1, "kind", kind)

			continue
		}

		e.publishEscalation(ctx, jobID, phase.ID, decision)
		logger.Warn("Phase escalated", "attempt", attempt, "level", decision.Level, "reason", decision.Reason)

		return Result{Outcome: OutcomeEscalated, Decision: &decision, Attempts: attempt}, nil
	}
}

// runAttempt spawns one worker and relays its output and heartbeats onto the
// event stream until the worker exits.
func (e *Executor) runAttempt(ctx context.Context, jobID, workspace string,
	phase models.PhaseSpec, hint string,
) (agent.RunResult, error) {
	task := agent.Task{
		JobID:       jobID,
		PhaseID:     phase.ID,
		PhaseType:   phase.Type,
		Description: phase.Name,
		Hint:        hint,
	}

	handle, err := e.runner.Run(ctx, workspace, task, phaseTimeout(phase))
	if err != nil {
		return agent.RunResult{}, fmt.Errorf("start worker for phase %s: %w", phase.ID, err)
	}

	for event := range handle.Events() {
		switch event.Kind {
		case agent.EventOutput:
			e.publish(ctx, jobID, events.AgentOutput{
				BaseEvent: events.NewBaseEvent(events.AgentOutputEvent, jobID),
				PhaseID:   phase.ID,
				Line:      event.Line,
			})
		case agent.EventHeartbeat:
			e.publish(ctx, jobID, events.Heartbeat{
				BaseEvent: events.NewBaseEvent(events.HeartbeatEvent, jobID),
				PhaseID:   phase.ID,
				ElapsedMs: event.Elapsed.Milliseconds(),
			})
		}
	}

	return handle.Result()
}

// prepareWorkspace creates the phase directory and copies declared inputs
// from the workspaces of the phase's dependencies.
func (e *Executor) prepareWorkspace(jobRoot string, phase models.PhaseSpec) (string, error) {
	workspace := PhaseWorkspace(jobRoot, phase.ID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", err
	}

	for _, name := range phase.Input.Files {
		if err := e.copyInput(workspace, phase, name); err != nil {
			return "", err
		}
	}

	return workspace, nil
}

func (e *Executor) copyInput(workspace string, phase models.PhaseSpec, name string) error {
	dest := filepath.Join(workspace, name)

	// Re-runs keep the copy already in place.
	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	jobRoot := filepath.Dir(filepath.Dir(workspace))

	for _, dep := range phase.Dependencies {
		source := filepath.Join(PhaseWorkspace(jobRoot, dep), name)
		if _, err := os.Stat(source); err != nil {
			continue
		}

		return copyFile(source, dest)
	}

	return fmt.Errorf("input %q not produced by any dependency of phase %s", name, phase.ID)
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

func (e *Executor) publish(ctx context.Context, jobID string, event eventbus.Event) {
	if err := e.stream.Publish(ctx, jobID, event); err != nil {
		e.logger.WarnContext(ctx, "Failed to publish event",
			"job_id", jobID, "event_type", event.GetType(), "error", err)
	}
}

func (e *Executor) publishEscalation(ctx context.Context, jobID, phaseID string, decision models.EscalationDecision) {
	e.publish(ctx, jobID, events.EscalationRaised{
		BaseEvent: events.NewBaseEvent(events.EscalationRaisedEvent, jobID),
		PhaseID:   phaseID,
		Level:     decision.Level,
		Actions:   decision.Actions,
		Reason:    decision.Reason,
	})
}

func classifyFailure(result agent.RunResult) models.FailureKind {
	if result.TimedOut {
		return models.FailureWorkerTimeout
	}

	switch result.ExitStatus {
	case exitUnavailable:
		return models.FailureInfrastructure
	case exitNoPerm:
		return models.FailurePermission
	}

	return models.FailureWorkerCrash
}

func failureDetail(result agent.RunResult) string {
	if result.TimedOut {
		return fmt.Sprintf("worker timed out after %s", result.Duration.Round(time.Millisecond))
	}

	excerpt := result.Output
	if len(excerpt) > hintExcerptLines {
		excerpt = excerpt[len(excerpt)-hintExcerptLines:]
	}

	if len(excerpt) == 0 {
		return fmt.Sprintf("worker exited with status %d", result.ExitStatus)
	}

	return fmt.Sprintf("worker exited with status %d: %s", result.ExitStatus, strings.Join(excerpt, "\n"))
}

func hasAction(decision models.EscalationDecision, action models.RemediationAction) bool {
	for _, a := range decision.Actions {
		if a == action {
			return true
		}
	}

	return false
}

func phaseTimeout(phase models.PhaseSpec) time.Duration {
	if phase.Timeout > 0 {
		return phase.Timeout
	}

	return DefaultPhaseTimeout
}

func maxRetries(phase models.PhaseSpec) int {
	if phase.MaxRetries > 0 {
		return phase.MaxRetries
	}

	return DefaultMaxRetries
}
