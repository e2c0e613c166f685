// Package lock provides an advisory, cross-process lock for a state
// directory. Hook invocations run as separate processes; holding this lock
// around validate → write → log keeps them from interleaving writes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrLocked is returned when another holder keeps the lock past the timeout.
	ErrLocked = errors.New("state directory is locked by another process")
	// ErrNotHeld is returned by Release when the lock is not held.
	ErrNotHeld = errors.New("lock not held")
)

const (
	defaultTimeout = 5 * time.Second
	pollInterval   = 25 * time.Millisecond
)

// FileLock is an exclusive advisory lock on a single file.
// A FileLock is not re-entrant; callers serialize in-process access.
type FileLock struct {
	path    string
	timeout time.Duration

	mu   sync.Mutex
	file *os.File
}

// New creates a lock on path. timeout <= 0 uses a 5s default.
func New(path string, timeout time.Duration) *FileLock {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &FileLock{path: path, timeout: timeout}
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// Acquire blocks until the lock is held, the timeout elapses, or ctx is done.
func (l *FileLock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return fmt.Errorf("acquiring %s: already held", l.path)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	deadline := time.Now().Add(l.timeout)
	for {
		f, err := tryLock(l.path)
		if err == nil {
			writeOwner(f)
			l.file = f
			return nil
		}
		if !errors.Is(err, errWouldBlock) {
			return fmt.Errorf("acquiring %s: %w", l.path, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w (waited %s on %s)", ErrLocked, l.timeout, l.path)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release drops the lock. The lock file itself stays on disk so every
// process keeps locking the same inode.
func (l *FileLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrNotHeld
	}
	err := unlock(l.file)
	l.file = nil
	return err
}

// Held reports whether this FileLock currently holds the lock.
func (l *FileLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// With runs fn while holding the lock.
func (l *FileLock) With(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release() //nolint:errcheck
	return fn()
}

// writeOwner records the holder's pid for humans inspecting a stuck lock.
func writeOwner(f *os.File) {
	if err := f.Truncate(0); err != nil {
		return
	}
	_, _ = f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0)
}
