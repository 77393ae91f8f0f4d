package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
)

// PathLocker serializes writers to shared paths with PostgreSQL advisory
// locks, keyed by a hash of the guarded path. The lock is held on a
// dedicated connection until release.
type PathLocker struct {
	db *sql.DB
}

// NewPathLocker creates a new path locker.
func NewPathLocker(db *sql.DB) *PathLocker {
	return &PathLocker{db: db}
}

// AcquirePath blocks until the advisory lock for path is held or ctx is done.
func (pl *PathLocker) AcquirePath(ctx context.Context, path string) (func(), error) {
	conn, err := pl.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for path lock: %w", err)
	}

	key := lockKey(path)

	_, err = conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", key)
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("failed to acquire path lock: %w", err)
	}

	release := func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key)
		conn.Close()
	}

	return release, nil
}

func lockKey(path string) int64 {
	hash := fnv.New64a()
	_, _ = hash.Write([]byte(path))

	return int64(hash.Sum64())
}
