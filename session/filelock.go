package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrLockTimeout is returned when another process holds the session file lock
// for longer than the lock wait budget.
var ErrLockTimeout = errors.New("timed out waiting for session file lock")

const (
	lockAttempts   = 50
	lockRetryDelay = 100 * time.Millisecond
	lockStaleAfter = 30 * time.Second
)

// fileLock is an exclusive lock implemented as a sibling "<path>.lock" file,
// shared by every process that writes the same session file.
type fileLock struct {
	file *os.File
	path string
}

func acquireFileLock(ctx context.Context, target string) (*fileLock, error) {
	lockPath := target + ".lock"

	for range lockAttempts {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID helps when someone has to clean up by hand.
			fmt.Fprintf(f, "%d", os.Getpid())
			return &fileLock{file: f, path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire session file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > lockStaleAfter {
			if remErr := os.Remove(lockPath); remErr != nil && !os.IsNotExist(remErr) {
				return nil, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, remErr)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}

	return nil, fmt.Errorf("%w after %v", ErrLockTimeout, time.Duration(lockAttempts)*lockRetryDelay)
}

func (l *fileLock) release() error {
	if l.file != nil {
		l.file.Close()
	}
	return os.Remove(l.path)
}
