// Package main provides the phasor CLI: submit and follow orchestration
// jobs, inspect their journals and deploy their outputs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/forgeline/phasor/pkg/eventbus"
	"github.com/forgeline/phasor/pkg/events"
	"github.com/forgeline/phasor/pkg/log"
	"github.com/forgeline/phasor/pkg/models"
	"github.com/forgeline/phasor/pkg/spec"
	cli "github.com/urfave/cli/v3"
)

const (
	exitFailure     = 1
	exitInvalidSpec = 2
)

func main() {
	logger := log.WithModule("cli")

	root := &cli.Command{
		Name:                  "phasor",
		Usage:                 "Run phase-orchestrated workflows",
		EnableShellCompletion: true,
		Flags:                 engineFlags(),
		Commands: []*cli.Command{
			runCommand(logger),
			statusCommand(logger),
			debugCommand(logger),
			resolveCommand(logger, "approve", "Approve a phase parked on its manual gate", true),
			resolveCommand(logger, "reject", "Reject a phase parked on its manual gate", false),
			cancelCommand(logger),
			deployCommand(logger),
			validateCommand(logger),
			integrateCommand(logger),
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailure)
	}
}

func runCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "run",
		Aliases:   []string{"r"},
		Usage:     "Submit a workflow spec and follow it to completion",
		ArgsUsage: "SPEC_FILE",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "phase",
				Usage: "Run only this phase and its dependencies (repeatable)",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			specPath := command.Args().First()
			if specPath == "" {
				return cli.Exit("a workflow spec file is required", exitInvalidSpec)
			}

			workflow, err := spec.Load(specPath)
			if err != nil {
				if spec.IsSpecError(err) {
					return cli.Exit(err.Error(), exitInvalidSpec)
				}

				return err
			}

			engine, err := newEngine(ctx, command, logger)
			if err != nil {
				return err
			}
			defer engine.close(ctx)

			jobID, err := engine.manager.Submit(ctx, workflow, command.StringSlice("phase")...)
			if err != nil {
				if spec.IsSpecError(err) {
					return cli.Exit(err.Error(), exitInvalidSpec)
				}

				return err
			}

			logger.InfoContext(ctx, "Job submitted", "job_id", jobID, "project", workflow.Project)

			return followJob(ctx, engine, jobID)
		},
	}
}

// followJob prints the job's event stream until the job settles.
func followJob(ctx context.Context, engine *engine, jobID string) error {
	ch, release, err := engine.stream.SubscribeFrom(ctx, jobID, 0)
	if err != nil {
		return err
	}
	defer release()

	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return nil
			}

			printStreamEvent(event)
		case <-poll.C:
			job, err := engine.statuses.GetStatus(ctx, jobID)
			if err != nil {
				return err
			}

			switch {
			case job.Status == models.JobStatusReady:
				fmt.Printf("job %s is ready (all phases passed)\n", jobID)

				return nil
			case job.Status.IsTerminal():
				return cli.Exit(fmt.Sprintf("job %s ended %s: %s", jobID, job.Status, job.Error), exitFailure)
			case isParked(job):
				fmt.Printf("job %s is awaiting approval, resolve it with 'phasor approve' or 'phasor reject'\n", jobID)

				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func printStreamEvent(event eventbus.StreamEvent) {
	switch event.Type {
	case events.AgentOutputEvent:
		var output events.AgentOutput
		if json.Unmarshal(event.Payload, &output) == nil {
			fmt.Printf("[%s] %s\n", output.PhaseID, output.Line)
		}
	case events.HeartbeatEvent:
		// Liveness only, not worth a line on the terminal.
	default:
		fmt.Printf("-- %s\n", event.Type)
	}
}

func isParked(job *models.Job) bool {
	for _, record := range job.Phases {
		if record.Status == models.PhaseStatusPendingApproval {
			return true
		}
	}

	return false
}

func statusCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the durable status of a job",
		ArgsUsage: "JOB_ID",
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			jobID, err := requireArg(command, 0, "JOB_ID")
			if err != nil {
				return err
			}

			return withEngine(ctx, command, logger, func(engine *engine) error {
				job, err := engine.statuses.GetStatus(ctx, jobID)
				if err != nil {
					return err
				}

				return printJSON(job)
			})
		},
	}
}

func debugCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "debug",
		Usage:     "Dump the event journal of a job, optionally one phase only",
		ArgsUsage: "JOB_ID [PHASE_ID]",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "from",
				Usage: "Start after this sequence number",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			jobID, err := requireArg(command, 0, "JOB_ID")
			if err != nil {
				return err
			}

			phaseID := command.Args().Get(1)

			return withEngine(ctx, command, logger, func(engine *engine) error {
				records, err := engine.persistence.EventLogRepository().
					ReadFrom(ctx, jobID, command.Uint64("from"))
				if err != nil {
					return err
				}

				for _, record := range records {
					if phaseID != "" && !recordMatchesPhase(record.Data, phaseID) {
						continue
					}

					fmt.Printf("%6d  %s\n", record.Seq, record.Data)
				}

				return nil
			})
		},
	}
}

// recordMatchesPhase reports whether a journal entry belongs to the given
// phase. Job-level events carry no phase id and never match.
func recordMatchesPhase(data []byte, phaseID string) bool {
	var envelope struct {
		Event struct {
			PhaseID string `json:"phase_id"`
		} `json:"event"`
	}

	return json.Unmarshal(data, &envelope) == nil && envelope.Event.PhaseID == phaseID
}

func resolveCommand(logger *slog.Logger, name, usage string, approved bool) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "JOB_ID PHASE_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reason", Usage: "Recorded with the decision"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			jobID, err := requireArg(command, 0, "JOB_ID")
			if err != nil {
				return err
			}

			phaseID, err := requireArg(command, 1, "PHASE_ID")
			if err != nil {
				return err
			}

			return withEngine(ctx, command, logger, func(engine *engine) error {
				if approved {
					return engine.manager.Approve(ctx, jobID, phaseID, command.String("reason"))
				}

				return engine.manager.Reject(ctx, jobID, phaseID, command.String("reason"))
			})
		},
	}
}

func cancelCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a queued or parked job",
		ArgsUsage: "JOB_ID",
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			jobID, err := requireArg(command, 0, "JOB_ID")
			if err != nil {
				return err
			}

			return withEngine(ctx, command, logger, func(engine *engine) error {
				return engine.manager.Cancel(ctx, jobID)
			})
		},
	}
}

func deployCommand(logger *slog.Logger) *cli.Command {
	return pipelineCommand(logger, "deploy", "Copy a ready job's outputs into a target tree",
		func(ctx context.Context, engine *engine, jobID, target string) error {
			return engine.pipeline.Deploy(ctx, jobID, target)
		})
}

func validateCommand(logger *slog.Logger) *cli.Command {
	return pipelineCommand(logger, "validate", "Re-run quality gates against a deployed tree",
		func(ctx context.Context, engine *engine, jobID, target string) error {
			results, err := engine.pipeline.Validate(ctx, jobID, target)
			if err != nil {
				return err
			}

			return printJSON(results)
		})
}

func integrateCommand(logger *slog.Logger) *cli.Command {
	return pipelineCommand(logger, "integrate", "Deploy, validate and record the job as integrated",
		func(ctx context.Context, engine *engine, jobID, target string) error {
			return engine.pipeline.Integrate(ctx, jobID, target)
		})
}

func pipelineCommand(logger *slog.Logger, name, usage string,
	action func(ctx context.Context, engine *engine, jobID, target string) error,
) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "JOB_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "target",
				Usage:    "Target directory",
				Required: true,
				Sources:  cli.EnvVars("DEPLOY_TARGET"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			jobID, err := requireArg(command, 0, "JOB_ID")
			if err != nil {
				return err
			}

			return withEngine(ctx, command, logger, func(engine *engine) error {
				return action(ctx, engine, jobID, command.String("target"))
			})
		},
	}
}

func withEngine(ctx context.Context, command *cli.Command, logger *slog.Logger, fn func(*engine) error) error {
	engine, err := newEngine(ctx, command, logger)
	if err != nil {
		return err
	}
	defer engine.close(ctx)

	return fn(engine)
}

func requireArg(command *cli.Command, index int, name string) (string, error) {
	value := command.Args().Get(index)
	if value == "" {
		return "", cli.Exit("missing required argument "+name, exitFailure)
	}

	return value, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(data))

	return nil
}
