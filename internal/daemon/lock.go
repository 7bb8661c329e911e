package daemon

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning reports that another daemon holds the instance lock.
var ErrAlreadyRunning = errors.New("another fprintd instance is already running")

// InstanceLock is the advisory lock that keeps a single daemon per lock file.
type InstanceLock struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
	held bool
}

// AcquireLock takes the lock at path without blocking.
func AcquireLock(path string) (*InstanceLock, error) {
	l := &InstanceLock{path: path, lock: flock.New(path)}
	ok, err := l.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	l.held = true
	return l, nil
}

// Path returns the lock file path.
func (l *InstanceLock) Path() string { return l.path }

// Release drops the lock. Later calls do nothing.
func (l *InstanceLock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	l.held = false
	return l.lock.Unlock()
}
