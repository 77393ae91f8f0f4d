package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/forgeline/phasor/pkg/models"
	"github.com/forgeline/phasor/pkg/persistence"
)

const (
	lockAcquireTimeout = 5 * time.Second
	lockPollInterval   = 25 * time.Millisecond
	lockStaleAfter     = 30 * time.Second
)

// JobRepository stores one JSON record per job under <root>/jobs.
//
// Writes go to a temp file in the same directory followed by an atomic
// rename, so a concurrent reader sees either the old record or the new one.
// Writers are serialized by a bounded-wait lock file per job.
type JobRepository struct {
	root string
}

// NewJobRepository creates a new job repository.
func NewJobRepository(root string) *JobRepository {
	return &JobRepository{root: root}
}

func (jr *JobRepository) jobsDir() string {
	return filepath.Join(jr.root, "jobs")
}

func (jr *JobRepository) jobPath(id string) string {
	return filepath.Join(jr.jobsDir(), id+".json")
}

func (jr *JobRepository) lockPath(id string) string {
	return filepath.Join(jr.jobsDir(), id+".lock")
}

// Save writes the job record atomically, serialized against other writers of
// the same job.
func (jr *JobRepository) Save(ctx context.Context, job *models.Job) error {
	if err := os.MkdirAll(jr.jobsDir(), 0o755); err != nil {
		return persistence.NewJobError("Save", job.ID, err)
	}

	release, err := jr.acquireLock(ctx, job.ID)
	if err != nil {
		return persistence.NewJobError("Save", job.ID, err)
	}
	defer release()

	if err := jr.writeAtomic(job); err != nil {
		return persistence.NewJobError("Save", job.ID, err)
	}

	return nil
}

// SaveDirect writes the record in place without the temp-and-rename step.
// It exists only as the fallback after an atomic Save failed.
func (jr *JobRepository) SaveDirect(_ context.Context, job *models.Job) error {
	if err := os.MkdirAll(jr.jobsDir(), 0o755); err != nil {
		return persistence.NewJobError("SaveDirect", job.ID, err)
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return persistence.NewJobError("SaveDirect", job.ID, err)
	}

	if err := os.WriteFile(jr.jobPath(job.ID), data, 0o644); err != nil {
		return persistence.NewJobError("SaveDirect", job.ID, err)
	}

	return nil
}

// GetByID loads a job record from disk. The record is always re-read, never
// served from memory.
func (jr *JobRepository) GetByID(_ context.Context, id string) (*models.Job, error) {
	data, err := os.ReadFile(jr.jobPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewJobError("GetByID", id, persistence.ErrJobNotFound)
		}

		return nil, persistence.NewJobError("GetByID", id, err)
	}

	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, persistence.NewJobError("GetByID", id, err)
	}

	return &job, nil
}

// List returns every stored job, newest first.
func (jr *JobRepository) List(ctx context.Context) ([]*models.Job, error) {
	entries, err := os.ReadDir(jr.jobsDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list job files: %w", err)
	}

	jobs := make([]*models.Job, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}

		job, err := jr.GetByID(ctx, name[:len(name)-len(".json")])
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	return jobs, nil
}

// Delete removes the job record and its lock file.
func (jr *JobRepository) Delete(_ context.Context, id string) error {
	if err := os.Remove(jr.jobPath(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return persistence.NewJobError("Delete", id, persistence.ErrJobNotFound)
		}

		return persistence.NewJobError("Delete", id, err)
	}

	_ = os.Remove(jr.lockPath(id))

	return nil
}

func (jr *JobRepository) writeAtomic(job *models.Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	tmp, err := os.CreateTemp(jr.jobsDir(), job.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, jr.jobPath(job.ID)); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("rename temp file: %w", err)
	}

	return os.Chmod(jr.jobPath(job.ID), 0o644)
}

// acquireLock takes the per-job lock file, waiting up to lockAcquireTimeout.
// A lock older than lockStaleAfter is treated as abandoned by a crashed
// writer and broken.
func (jr *JobRepository) acquireLock(ctx context.Context, id string) (func(), error) {
	path := jr.lockPath(id)
	deadline := time.Now().Add(lockAcquireTimeout)

	for {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(file, "%d\n", os.Getpid())
			file.Close()

			return func() { os.Remove(path) }, nil
		}

		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			os.Remove(path)

			continue
		}

		if time.Now().After(deadline) {
			return nil, persistence.ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}
