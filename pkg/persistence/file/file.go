// Package file provides file-based persistence for jobs, event logs and
// path locks. It is the primary provider: one JSON record per job, one JSONL
// journal per event log, and lock files guarding writers.
package file

import (
	"context"
	"os"
	"strings"

	"github.com/forgeline/phasor/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root         string
	jobRepo      *JobRepository
	eventLogRepo *EventLogRepository
	pathLocker   *PathLocker
}

// NewPersistence creates a new instance of Persistence rooted at the given
// directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:         cleanRoot,
		jobRepo:      NewJobRepository(cleanRoot),
		eventLogRepo: NewEventLogRepository(cleanRoot),
		pathLocker:   NewPathLocker(cleanRoot),
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists and is writable.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(fp.root, 0o755); err != nil {
		return err
	}

	return nil
}

func (fp *Persistence) JobRepository() persistence.JobRepository {
	return fp.jobRepo
}

func (fp *Persistence) EventLogRepository() persistence.EventLogRepository {
	return fp.eventLogRepo
}

func (fp *Persistence) PathLocker() persistence.PathLocker {
	return fp.pathLocker
}
