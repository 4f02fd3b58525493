// lock.go — exclusive cross-process lock on a session's directory,
// backed by github.com/gofrs/flock. Held for the session broker's
// lifetime; its absence (acquirable) on startup-scan means the directory
// is safe to delete (spec.md §4.7, §9).
package sandbox

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName is the name of the advisory lockfile inside a session
// directory (spec.md §6 "Persisted state").
const LockFileName = ".lock"

// Lock wraps an advisory file lock on a session directory.
type Lock struct {
	fl *flock.Flock
}

// NewLock returns a Lock for the given session directory, without
// attempting to acquire it.
func NewLock(sessionDir string) *Lock {
	return &Lock{fl: flock.New(filepath.Join(sessionDir, LockFileName))}
}

// TryAcquire attempts to acquire the lock without blocking. A false
// return (no error) means another holder (another process, or another
// Lock on the same directory in this process) already holds it — a
// duplicate session ID, per spec.md §9's recommended resolution, is a
// failed admission rather than a silently-successful one.
func (l *Lock) TryAcquire() (bool, error) {
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("sandbox: acquire session lock: %w", err)
	}
	return ok, nil
}

// Release drops the lock. Safe to call even if TryAcquire never
// succeeded.
func (l *Lock) Release() error {
	if !l.fl.Locked() {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("sandbox: release session lock: %w", err)
	}
	return nil
}
