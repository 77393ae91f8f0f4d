package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// PathLocker serializes writers to shared filesystem paths with lock files
// under <root>/locks. The lock name is a digest of the guarded path, so two
// processes locking the same destination always collide.
type PathLocker struct {
	root string
}

// NewPathLocker creates a new path locker.
func NewPathLocker(root string) *PathLocker {
	return &PathLocker{root: root}
}

func (pl *PathLocker) lockFile(target string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(target)))

	return filepath.Join(pl.root, "locks", hex.EncodeToString(sum[:16])+".lock")
}

// AcquirePath blocks until the lock for target is held or ctx is done.
func (pl *PathLocker) AcquirePath(ctx context.Context, target string) (func(), error) {
	if err := os.MkdirAll(filepath.Join(pl.root, "locks"), 0o755); err != nil {
		return nil, err
	}

	path := pl.lockFile(target)

	for {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(file, "%s\n%d\n", target, os.Getpid())
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

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}
