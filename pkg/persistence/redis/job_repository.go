package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/forgeline/phasor/pkg/models"
	"github.com/forgeline/phasor/pkg/persistence"
)

// JobRepository stores job records as JSON strings with a set index of ids.
// A SET is a single atomic command, so Save and SaveDirect share one
// implementation.
type JobRepository struct {
	client goredis.UniversalClient
}

// NewJobRepository creates a new job repository.
func NewJobRepository(client goredis.UniversalClient) *JobRepository {
	return &JobRepository{client: client}
}

func jobKey(id string) string {
	return keyPrefix + "jobs:" + id
}

const jobIndexKey = keyPrefix + "jobs"

// Save writes the job record and registers it in the index.
func (jr *JobRepository) Save(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return persistence.NewJobError("Save", job.ID, err)
	}

	pipe := jr.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, 0)
	pipe.SAdd(ctx, jobIndexKey, job.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.NewJobError("Save", job.ID, err)
	}

	return nil
}

// SaveDirect is identical to Save for Redis storage.
func (jr *JobRepository) SaveDirect(ctx context.Context, job *models.Job) error {
	return jr.Save(ctx, job)
}

// GetByID loads a job record.
func (jr *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	data, err := jr.client.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
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
	ids, err := jr.client.SMembers(ctx, jobIndexKey).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*models.Job, 0, len(ids))

	for _, id := range ids {
		job, err := jr.GetByID(ctx, id)
		if err != nil {
			if persistence.IsJobNotFound(err) {
				continue
			}

			return nil, err
		}

		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	return jobs, nil
}

// Delete removes the job record, its index entry and its event log.
func (jr *JobRepository) Delete(ctx context.Context, id string) error {
	removed, err := jr.client.Del(ctx, jobKey(id)).Result()
	if err != nil {
		return persistence.NewJobError("Delete", id, err)
	}

	if removed == 0 {
		return persistence.NewJobError("Delete", id, persistence.ErrJobNotFound)
	}

	pipe := jr.client.TxPipeline()
	pipe.SRem(ctx, jobIndexKey, id)
	pipe.Del(ctx, eventLogKey(id))
	_, _ = pipe.Exec(ctx)

	return nil
}
