// Package lockfile guards the state directory against concurrent MeliBridge
// instances. The settings table and the processed-item ledger are
// single-writer, so a second poller or webhook handler on the same backing
// storage would break duplicate suppression.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "melibridge.lock"

// Lock represents an active state directory lock held via flock. The kernel
// releases the lock automatically when the process exits, so a crash never
// leaves the directory locked.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes an exclusive non-blocking flock on the state directory's
// lock file. It fails with a *LockError when another instance already holds
// the lock.
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	lockPath := filepath.Join(stateDir, LockFileName)
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		slog.Error("lockfile.AcquireLock: another MeliBridge instance is running", "lock_path", lockPath, "error", err)
		return nil, &LockError{LockPath: lockPath, Cause: err}
	}

	// Record our pid for diagnostics; failure to write is not fatal since the
	// flock itself is already held.
	if _, err := fmt.Fprintf(file, "pid=%d\n", os.Getpid()); err != nil {
		slog.Warn("lockfile.AcquireLock: failed to write pid", "error", err, "lock_path", lockPath)
	}
	file.Sync()

	slog.Info("lockfile.AcquireLock: state directory lock acquired", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

// Release drops the flock and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("lockfile.Release: failed to release flock", "error", err, "lock_path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("lockfile.Release: failed to close lock file", "error", err, "lock_path", l.path)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	l.file = nil
	slog.Info("lockfile.Release: state directory lock released", "lock_path", l.path)
	return nil
}

// LockError reports a lock held by another process.
type LockError struct {
	LockPath string
	Cause    error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another MeliBridge instance is already running (lock file: %s); "+
		"stop it before starting a second instance on the same state directory", e.LockPath)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}
