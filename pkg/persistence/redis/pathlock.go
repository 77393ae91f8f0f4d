package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	lockTTL          = 30 * time.Second
	lockPollInterval = 25 * time.Millisecond
)

// PathLocker serializes writers to shared paths with SET NX keys. The TTL
// bounds how long a crashed holder can block other writers.
type PathLocker struct {
	client goredis.UniversalClient
}

// NewPathLocker creates a new path locker.
func NewPathLocker(client goredis.UniversalClient) *PathLocker {
	return &PathLocker{client: client}
}

func pathLockKey(path string) string {
	return keyPrefix + "locks:" + path
}

// AcquirePath blocks until the lock for path is held or ctx is done.
func (pl *PathLocker) AcquirePath(ctx context.Context, path string) (func(), error) {
	key := pathLockKey(path)

	for {
		ok, err := pl.client.SetNX(ctx, key, "held", lockTTL).Result()
		if err != nil {
			return nil, err
		}

		if ok {
			return func() {
				_ = pl.client.Del(context.Background(), key).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}
