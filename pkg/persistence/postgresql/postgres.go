// Package postgresql provides PostgreSQL persistence for jobs and event logs.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/forgeline/phasor/pkg/persistence"
	"github.com/forgeline/phasor/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db           *sql.DB
	logger       *slog.Logger
	jobRepo      *JobRepository
	eventLogRepo *EventLogRepository
	pathLocker   *PathLocker
}

// NewPersistence creates a new PostgreSQL persistence layer and runs pending
// migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:           database,
		logger:       logger,
		jobRepo:      NewJobRepository(database, logger),
		eventLogRepo: NewEventLogRepository(database),
		pathLocker:   NewPathLocker(database),
	}, nil
}

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				project TEXT NOT NULL,
				status TEXT NOT NULL,
				current_phase TEXT NOT NULL DEFAULT '',
				phases JSONB NOT NULL DEFAULT '{}',
				error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
			CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at DESC);

			CREATE TABLE IF NOT EXISTS job_events (
				job_id TEXT NOT NULL,
				seq BIGINT NOT NULL,
				data JSONB NOT NULL,
				recorded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (job_id, seq)
			);
		`,
	}
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) JobRepository() persistence.JobRepository {
	return p.jobRepo
}

func (p *Persistence) EventLogRepository() persistence.EventLogRepository {
	return p.eventLogRepo
}

func (p *Persistence) PathLocker() persistence.PathLocker {
	return p.pathLocker
}
