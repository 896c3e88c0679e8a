// Package lock provides cross-process file locking.
package lock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLock serializes access to a directory across OS processes using
// gofrs/flock. It backs the auto-index service's cwd-scoped singleflight:
// only one coderag process may build or rebuild a given project's index
// at a time, on any platform (Unix, Linux, macOS, Windows).
type FileLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// New creates a lock file at <dir>/.coderag.lock.
func New(dir string) *FileLock {
	lockPath := filepath.Join(dir, ".coderag.lock")
	return &FileLock{path: lockPath, flock: flock.New(lockPath)}
}

// Lock acquires an exclusive lock, blocking until it is available.
func (l *FileLock) Lock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("lock: create directory: %w", err)
	}
	if err := l.flock.Lock(); err != nil {
		return fmt.Errorf("lock: acquire: %w", err)
	}
	l.locked = true
	return nil
}

// TryLock attempts to acquire the lock without blocking.
func (l *FileLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Errorf("lock: create directory: %w", err)
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("lock: acquire: %w", err)
	}
	if acquired {
		l.locked = true
	}
	return acquired, nil
}

// Unlock releases the lock. Safe to call multiple times or when unlocked.
func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("lock: release: %w", err)
	}
	l.locked = false
	return nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// IsLocked reports whether this handle currently holds the lock.
func (l *FileLock) IsLocked() bool { return l.locked }
