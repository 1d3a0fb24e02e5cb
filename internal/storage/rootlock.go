package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const rootLockName = ".taskd.lock"

// ErrRootLocked is returned when another daemon holds the storage root.
var ErrRootLocked = errors.New("storage root is locked by another daemon")

// RootLock is an exclusive OS lock on a storage root.
type RootLock struct {
	path string
	f    *os.File
}

// AcquireRootLock takes a non-blocking exclusive lock on <root>/.taskd.lock.
func AcquireRootLock(root string) (*RootLock, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("acquiring root lock: creating root: %w", err)
	}

	path := filepath.Join(root, rootLockName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := lockExclusive(f); err != nil {
		_ = f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, fmt.Errorf("acquiring root lock %s: %w", path, ErrRootLocked)
		}
		return nil, fmt.Errorf("acquiring root lock %s: %w", path, err)
	}
	return &RootLock{path: path, f: f}, nil
}

// Path returns the lock file path.
func (l *RootLock) Path() string { return l.path }

// Release unlocks and closes the lock file. It is safe to call more than once.
func (l *RootLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	if err := unlock(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("releasing root lock: %w", err)
	}
	return f.Close()
}
