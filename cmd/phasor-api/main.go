package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/forgeline/phasor/pkg/agent"
	"github.com/forgeline/phasor/pkg/cmd"
	"github.com/forgeline/phasor/pkg/deploy"
	"github.com/forgeline/phasor/pkg/escalation"
	"github.com/forgeline/phasor/pkg/eventbus"
	"github.com/forgeline/phasor/pkg/executor"
	"github.com/forgeline/phasor/pkg/gates"
	"github.com/forgeline/phasor/pkg/jobs"
	"github.com/forgeline/phasor/pkg/log"
	"github.com/forgeline/phasor/pkg/orchestrator"
	"github.com/forgeline/phasor/pkg/otelhelper"
	"github.com/forgeline/phasor/pkg/status"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "phasor-api",
		Usage:                 "Serve the job orchestration API",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Persistence URL (file://DIR, postgres://..., redis://...)",
				Value:   "file://./.phasor",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Broker fan-out for events (kafka, gochannel, none)",
				Value:   "none",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "work-root",
				Usage:   "Directory holding per-job workspaces",
				Value:   "./.phasor/jobs",
				Sources: cli.EnvVars("WORK_ROOT"),
			},
			&cli.StringFlag{
				Name:    "worker-command",
				Usage:   "Command spawned for each phase attempt",
				Value:   "phasor-worker",
				Sources: cli.EnvVars("WORKER_COMMAND"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces for phase runs",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Phasor API")

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			bus := cmd.NewEventBus(command.String("event-bus"), "phasor-api", logger)

			defer func() {
				if bus != nil {
					if err := bus.Close(); err != nil {
						logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
					}
				}
			}()

			stream := eventbus.NewStream(persistence.EventLogRepository(), bus, logger)
			statuses := status.NewSynchronizer(persistence.JobRepository(), stream, logger)
			registry := gates.NewDefaultRegistry(logger)

			runner := agent.NewRunner(strings.Fields(command.String("worker-command")), logger)
			exec := executor.New(runner, registry, escalation.NewManager(), statuses, stream, logger)
			orch := orchestrator.New(exec, statuses, stream, logger)

			if command.Bool("tracing") {
				tracer, err := otelhelper.NewTracer(ctx, "phasor-api")
				if err != nil {
					return err
				}

				orch.WithTracer(tracer)
			}

			workRoot := command.String("work-root")
			manager := jobs.NewManager(persistence.JobRepository(), statuses, orch, stream, workRoot, logger)
			defer manager.Close()

			if err := manager.Start(ctx); err != nil {
				return err
			}

			pipeline := deploy.NewPipeline(persistence.JobRepository(), persistence.PathLocker(),
				statuses, stream, registry, workRoot, logger)

			api := NewAPI(logger, persistence, manager, pipeline, stream)

			return api.Start(command.Int("port"))
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		slog.Error("phasor-api exited", "error", err)
		os.Exit(1)
	}
}
