// Package agent runs one opaque worker subprocess per phase attempt and
// streams its output.
//
// The runner's contract is strict: output lines and heartbeats are delivered
// on one merged channel the moment they occur. Nothing in this package waits
// for process completion before yielding the first event.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/forgeline/phasor/pkg/models"
)

const (
	// DefaultHeartbeatInterval is how often a silent worker still proves
	// liveness to subscribers.
	DefaultHeartbeatInterval = 25 * time.Second

	// DefaultGracePeriod is how long a worker gets between SIGTERM and
	// SIGKILL.
	DefaultGracePeriod = 10 * time.Second

	eventBuffer = 256
)

// Task describes the work handed to the worker process.
type Task struct {
	JobID       string           `json:"job_id"`
	PhaseID     string           `json:"phase_id"`
	PhaseType   models.PhaseType `json:"phase_type"`
	Description string           `json:"description"`
	Hint        string           `json:"hint,omitempty"` // Findings from the previous failed attempt
}

// EventKind distinguishes merged channel entries.
type EventKind string

const (
	EventOutput    EventKind = "output"
	EventHeartbeat EventKind = "heartbeat"
)

// Event is one entry on the merged output/heartbeat channel.
type Event struct {
	Kind    EventKind
	Line    string         // Raw output line for EventOutput
	Payload map[string]any // Parsed fields when the line was a JSON object
	Elapsed time.Duration  // Time since start, set on heartbeats
	Time    time.Time
}

// RunResult is the final outcome of one worker run. The full output is kept
// for audit regardless of how the run ended.
type RunResult struct {
	ExitStatus int
	TimedOut   bool
	Cancelled  bool
	Output     []string
	Duration   time.Duration
}

// FailureKind classifies a non-zero result for the escalation manager.
func (r RunResult) FailureKind() models.FailureKind {
	if r.TimedOut {
		return models.FailureWorkerTimeout
	}

	return models.FailureWorkerCrash
}

// Handle is one in-flight worker run. Events() yields until the run ends;
// Result() is valid once Events() is closed.
type Handle struct {
	events chan Event
	result RunResult
	err    error
	done   chan struct{}
}

// Events returns the merged output/heartbeat channel.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Result blocks until the run ends and returns its outcome.
func (h *Handle) Result() (RunResult, error) {
	<-h.done

	return h.result, h.err
}

// Runner spawns worker subprocesses.
type Runner struct {
	command           []string // argv of the worker, e.g. ["claude", "-p"]
	heartbeatInterval time.Duration
	gracePeriod       time.Duration
	logger            *slog.Logger
}

// NewRunner creates a runner for the given worker command.
func NewRunner(command []string, logger *slog.Logger) *Runner {
	return &Runner{
		command:           command,
		heartbeatInterval: DefaultHeartbeatInterval,
		gracePeriod:       DefaultGracePeriod,
		logger:            logger,
	}
}

// WithHeartbeatInterval overrides the heartbeat cadence.
func (r *Runner) WithHeartbeatInterval(interval time.Duration) *Runner {
	r.heartbeatInterval = interval

	return r
}

// WithGracePeriod overrides the SIGTERM grace period.
func (r *Runner) WithGracePeriod(grace time.Duration) *Runner {
	r.gracePeriod = grace

	return r
}

// Run starts the worker in the given workspace and returns a handle whose
// event channel is live immediately. The process receives the task as JSON
// on stdin and is SIGTERMed, then SIGKILLed, on timeout or cancellation.
func (r *Runner) Run(ctx context.Context, workspace string, task Task, timeout time.Duration) (*Handle, error) {
	if len(r.command) == 0 {
		return nil, errors.New("no worker command configured")
	}

	taskJSON, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	cmd := exec.Command(r.command[0], r.command[1:]...)
	cmd.Dir = workspace
	cmd.Stdin = strings.NewReader(string(taskJSON))
	// The worker gets its own process group so termination reaches any
	// children it forks; an orphan inheriting the output pipe would hold
	// the run open past SIGKILL.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		"PHASOR_JOB_ID="+task.JobID,
		"PHASOR_PHASE_ID="+task.PhaseID,
		"PHASOR_PHASE_TYPE="+string(task.PhaseType),
	)

	// One pipe carries stdout and stderr so ordering between them is
	// preserved as the worker produced it.
	pipeReader, pipeWriter := io.Pipe()
	cmd.Stdout = pipeWriter
	cmd.Stderr = pipeWriter

	start := time.Now()

	if err := cmd.Start(); err != nil {
		pipeReader.Close()
		pipeWriter.Close()

		return nil, fmt.Errorf("start worker: %w", err)
	}

	handle := &Handle{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}

	lines := make(chan string, eventBuffer)
	scanDone := make(chan struct{})

	// Drain goroutine: yields every line as it arrives.
	go func() {
		defer close(scanDone)
		defer close(lines)

		scanner := bufio.NewScanner(pipeReader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	waitErr := make(chan error, 1)

	go func() {
		waitErr <- cmd.Wait()
		pipeWriter.Close()
	}()

	go r.supervise(ctx, cmd, handle, lines, scanDone, waitErr, start, timeout)

	return handle, nil
}

// supervise merges output lines and heartbeats into the handle's channel and
// enforces the timeout protocol.
func (r *Runner) supervise(ctx context.Context, cmd *exec.Cmd, handle *Handle,
	lines <-chan string, scanDone <-chan struct{}, waitErr <-chan error,
	start time.Time, timeout time.Duration,
) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	var timeoutCh <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	ctxDone := ctx.Done()

	var (
		result      RunResult
		graceTimer  *time.Timer
		graceCh     <-chan time.Time
		terminating bool
		draining    = true
	)

	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()

	// terminate starts the shutdown protocol without leaving the loop:
	// SIGTERM now, SIGKILL when the grace timer fires. The loop must keep
	// draining lines or the output pipe never reaches EOF and cmd.Wait
	// never returns.
	terminate := func(reason string) {
		if terminating {
			return
		}

		terminating = true

		r.logger.Warn("Terminating worker", "reason", reason, "pid", cmd.Process.Pid)
		r.signal(cmd, syscall.SIGTERM)

		graceTimer = time.NewTimer(r.gracePeriod)
		graceCh = graceTimer.C
	}

	for draining {
		select {
		case line, ok := <-lines:
			if !ok {
				draining = false

				continue
			}

			event := Event{Kind: EventOutput, Line: line, Time: time.Now().UTC()}

			var payload map[string]any
			if json.Unmarshal([]byte(line), &payload) == nil {
				event.Payload = payload
			}

			result.Output = append(result.Output, line)

			if terminating {
				// The line is already captured for audit; delivery must
				// not hold the shutdown open on a slow consumer.
				select {
				case handle.events <- event:
				default:
				}

				continue
			}

			handle.events <- event
		case <-ticker.C:
			if terminating {
				continue
			}

			handle.events <- Event{
				Kind:    EventHeartbeat,
				Elapsed: time.Since(start),
				Time:    time.Now().UTC(),
			}
		case <-timeoutCh:
			result.TimedOut = true

			terminate("timeout")

			timeoutCh = nil
		case <-ctxDone:
			result.Cancelled = true

			terminate("cancelled")

			ctxDone = nil
		case <-graceCh:
			r.logger.Warn("Worker ignored SIGTERM, killing", "pid", cmd.Process.Pid)
			r.signal(cmd, syscall.SIGKILL)

			graceCh = nil
		}
	}

	<-scanDone

	exitErr := <-waitErr

	result.Duration = time.Since(start)
	result.ExitStatus = exitStatus(exitErr)
	handle.result = result
	handle.err = nil

	close(handle.events)
	close(handle.done)
}

// signal delivers sig to the worker's whole process group so forked children
// die with it, falling back to the leader alone if the group is already gone.
func (r *Runner) signal(cmd *exec.Cmd, sig syscall.Signal) {
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		_ = cmd.Process.Signal(sig)
	}
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	return -1
}
