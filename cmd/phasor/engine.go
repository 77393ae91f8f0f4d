package main

import (
	"context"
	"log/slog"
	"strings"

	"github.com/forgeline/phasor/pkg/agent"
	"github.com/forgeline/phasor/pkg/cmd"
	"github.com/forgeline/phasor/pkg/deploy"
	"github.com/forgeline/phasor/pkg/escalation"
	"github.com/forgeline/phasor/pkg/eventbus"
	"github.com/forgeline/phasor/pkg/executor"
	"github.com/forgeline/phasor/pkg/gates"
	"github.com/forgeline/phasor/pkg/jobs"
	"github.com/forgeline/phasor/pkg/orchestrator"
	"github.com/forgeline/phasor/pkg/persistence"
	"github.com/forgeline/phasor/pkg/status"
	cli "github.com/urfave/cli/v3"
)

// engine bundles the wired components behind one CLI invocation.
type engine struct {
	persistence persistence.Persistence
	stream      *eventbus.Stream
	statuses    *status.Synchronizer
	manager     *jobs.Manager
	pipeline    *deploy.Pipeline
	logger      *slog.Logger
}

// newEngine wires the engine from CLI flags. The caller closes it.
func newEngine(ctx context.Context, command *cli.Command, logger *slog.Logger) (*engine, error) {
	store := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	bus := cmd.NewEventBus(command.String("event-bus"), "phasor", logger)
	stream := eventbus.NewStream(store.EventLogRepository(), bus, logger)
	statuses := status.NewSynchronizer(store.JobRepository(), stream, logger)
	registry := gates.NewDefaultRegistry(logger)

	// Whitespace split; workers needing shell quoting wrap themselves in a
	// script.
	workerCommand := strings.Fields(command.String("worker-command"))
	runner := agent.NewRunner(workerCommand, logger)
	exec := executor.New(runner, registry, escalation.NewManager(), statuses, stream, logger)
	orch := orchestrator.New(exec, statuses, stream, logger).
		WithConcurrency(command.Int("concurrency"))

	workRoot := command.String("work-root")
	manager := jobs.NewManager(store.JobRepository(), statuses, orch, stream, workRoot, logger).
		WithMaxRunning(command.Int("max-running"))
	pipeline := deploy.NewPipeline(store.JobRepository(), store.PathLocker(),
		statuses, stream, registry, workRoot, logger)

	return &engine{
		persistence: store,
		stream:      stream,
		statuses:    statuses,
		manager:     manager,
		pipeline:    pipeline,
		logger:      logger,
	}, nil
}

func (e *engine) close(ctx context.Context) {
	e.manager.Close()

	if err := e.persistence.Close(ctx); err != nil {
		e.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
	}
}

func engineFlags() []cli.Flag {
	return []cli.Flag{
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
		&cli.IntFlag{
			Name:    "concurrency",
			Usage:   "Phases run in parallel per job",
			Value:   orchestrator.DefaultConcurrency,
			Sources: cli.EnvVars("PHASE_CONCURRENCY"),
		},
		&cli.IntFlag{
			Name:    "max-running",
			Usage:   "Jobs run in parallel before queueing",
			Value:   jobs.DefaultMaxRunning,
			Sources: cli.EnvVars("MAX_RUNNING_JOBS"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}
