// Package persistence provides the data storage abstraction for jobs, event
// logs and deploy-target locks.
package persistence

import (
	"context"

	"github.com/forgeline/phasor/pkg/models"
)

// EventRecord is one entry of a per-job append-only event log. Seq starts at
// 1 and increases without gaps.
type EventRecord struct {
	Seq  uint64 `json:"seq"`
	Data []byte `json:"data"`
}

// JobRepository stores durable job records.
//
// Save must be atomic with respect to concurrent readers: a reader sees
// either the previous record or the new one, never a partial write.
// SaveDirect is the degraded path used only after an atomic Save failed.
type JobRepository interface {
	Save(ctx context.Context, job *models.Job) error
	SaveDirect(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context) ([]*models.Job, error)
	Delete(ctx context.Context, id string) error
}

// EventLogRepository stores the sequence-numbered event journal of each job.
type EventLogRepository interface {
	Append(ctx context.Context, jobID string, data []byte) (uint64, error)
	ReadFrom(ctx context.Context, jobID string, offset uint64) ([]EventRecord, error)
	Tail(ctx context.Context, jobID string, n int) ([]EventRecord, error)
}

// PathLocker serializes writers to a shared filesystem path, such as a
// deploy target consumed by several jobs.
type PathLocker interface {
	AcquirePath(ctx context.Context, path string) (release func(), err error)
}

type Persistence interface {
	JobRepository() JobRepository
	EventLogRepository() EventLogRepository
	PathLocker() PathLocker
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
