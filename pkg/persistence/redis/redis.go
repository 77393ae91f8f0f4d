// Package redis provides Redis persistence for jobs and event logs. Job
// records are JSON strings, event logs are lists, and path locks are SET NX
// keys with a liveness TTL.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/forgeline/phasor/pkg/persistence"
)

const keyPrefix = "phasor:"

// Persistence implements the persistence layer on Redis.
type Persistence struct {
	client       goredis.UniversalClient
	jobRepo      *JobRepository
	eventLogRepo *EventLogRepository
	pathLocker   *PathLocker
}

// NewPersistence connects to the Redis instance at the given URL.
func NewPersistence(ctx context.Context, redisURL string) (*Persistence, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := goredis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Persistence{
		client:       client,
		jobRepo:      NewJobRepository(client),
		eventLogRepo: NewEventLogRepository(client),
		pathLocker:   NewPathLocker(client),
	}, nil
}

// Close closes the client connection pool.
func (p *Persistence) Close(_ context.Context) error {
	return p.client.Close()
}

// HealthCheck verifies the Redis connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
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
