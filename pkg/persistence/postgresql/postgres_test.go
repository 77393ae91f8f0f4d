package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/forgeline/phasor/pkg/models"
	"github.com/forgeline/phasor/pkg/persistence"
	"github.com/forgeline/phasor/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"job_events", "jobs", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("phasor_test"),
			postgres.WithUsername("phasor"),
			postgres.WithPassword("phasor"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	var exists bool

	err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = 'jobs')`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists, "jobs table should exist")

	err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = 'job_events')`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists, "job_events table should exist")
}

func TestJobRepository_Lifecycle(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.JobRepository()

	now := time.Now().UTC().Truncate(time.Millisecond)
	job := &models.Job{
		ID:        uuid.New().String(),
		Project:   "billing",
		Status:    models.JobStatusRunning,
		Phases: map[string]*models.PhaseRecord{
			"implement": {PhaseID: "implement", Status: models.PhaseStatusRunning, AttemptCount: 1},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	require.NoError(t, repo.Save(ctx, job))

	loaded, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, loaded.Status)
	assert.Equal(t, 1, loaded.Phases["implement"].AttemptCount)

	job.Status = models.JobStatusReady
	require.NoError(t, repo.Save(ctx, job))

	loaded, err = repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusReady, loaded.Status)

	jobs, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, repo.Delete(ctx, job.ID))
	_, err = repo.GetByID(ctx, job.ID)
	assert.True(t, persistence.IsJobNotFound(err))
}

func TestEventLogRepository_AppendAndReadFrom(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.EventLogRepository()

	jobID := uuid.New().String()

	for i := 1; i <= 4; i++ {
		seq, err := repo.Append(ctx, jobID, []byte(`{"kind":"phase.started"}`))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	records, err := repo.ReadFrom(ctx, jobID, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(3), records[0].Seq)

	tail, err := repo.Tail(ctx, jobID, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, uint64(4), tail[0].Seq)
}

func TestPathLocker_AdvisoryLock(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	locker := p.PathLocker()

	release, err := locker.AcquirePath(ctx, "/srv/deploy/billing")
	require.NoError(t, err)

	acquired := make(chan struct{})

	go func() {
		second, err := locker.AcquirePath(ctx, "/srv/deploy/billing")
		if err == nil {
			close(acquired)
			second()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second writer acquired the lock while the first held it")
	case <-time.After(200 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second writer never acquired the lock after release")
	}
}
