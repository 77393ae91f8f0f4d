package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/forgeline/phasor/pkg/models"
	"github.com/forgeline/phasor/pkg/persistence"
)

// JobRepository handles job-related database operations. Row upserts are
// already atomic, so Save and SaveDirect share one implementation.
type JobRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *sql.DB, logger *slog.Logger) *JobRepository {
	return &JobRepository{db: db, logger: logger}
}

// Save upserts the job record.
func (jr *JobRepository) Save(ctx context.Context, job *models.Job) error {
	phases, err := json.Marshal(job.Phases)
	if err != nil {
		return persistence.NewJobError("Save", job.ID, err)
	}

	query := `
		INSERT INTO jobs (id, project, status, current_phase, phases, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_phase = EXCLUDED.current_phase,
			phases = EXCLUDED.phases,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at
	`

	_, err = jr.db.ExecContext(ctx, query,
		job.ID, job.Project, job.Status, job.CurrentPhase, phases, job.Error,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return persistence.NewJobError("Save", job.ID, err)
	}

	return nil
}

// SaveDirect is identical to Save for SQL storage.
func (jr *JobRepository) SaveDirect(ctx context.Context, job *models.Job) error {
	return jr.Save(ctx, job)
}

// GetByID loads a job record.
func (jr *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := `
		SELECT id, project, status, current_phase, phases, error, created_at, updated_at
		FROM jobs WHERE id = $1
	`

	job, err := scanJob(jr.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewJobError("GetByID", id, persistence.ErrJobNotFound)
		}

		return nil, persistence.NewJobError("GetByID", id, err)
	}

	return job, nil
}

// List returns every stored job, newest first.
func (jr *JobRepository) List(ctx context.Context) ([]*models.Job, error) {
	query := `
		SELECT id, project, status, current_phase, phases, error, created_at, updated_at
		FROM jobs ORDER BY created_at DESC
	`

	rows, err := jr.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}

		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job rows: %w", err)
	}

	return jobs, nil
}

// Delete removes the job record and its event log.
func (jr *JobRepository) Delete(ctx context.Context, id string) error {
	result, err := jr.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = $1", id)
	if err != nil {
		return persistence.NewJobError("Delete", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewJobError("Delete", id, err)
	}

	if affected == 0 {
		return persistence.NewJobError("Delete", id, persistence.ErrJobNotFound)
	}

	_, err = jr.db.ExecContext(ctx, "DELETE FROM job_events WHERE job_id = $1", id)
	if err != nil {
		jr.logger.WarnContext(ctx, "Failed to delete job events", "job_id", id, "error", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job    models.Job
		phases []byte
	)

	err := row.Scan(&job.ID, &job.Project, &job.Status, &job.CurrentPhase,
		&phases, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(phases, &job.Phases); err != nil {
		return nil, fmt.Errorf("unmarshal phases: %w", err)
	}

	return &job, nil
}
