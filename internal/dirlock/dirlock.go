// Package dirlock enforces the spec's shared-resource policy: a single
// service directory is owned exclusively by one process. Multi-process
// contention over the same data directory is undefined behaviour per spec,
// so we fail fast at startup instead of silently corrupting state.
package dirlock

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Lock holds an exclusive advisory lock on a service's data directory for
// the lifetime of the process.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes an exclusive, non-blocking lock on dir/.lock. It fails
// immediately (rather than waiting) if another process already holds it,
// since a second writer on the same directory is a configuration error, not
// a transient condition to wait out.
func Acquire(dir string) (*Lock, error) {
	path := filepath.Join(dir, ".lock")
	fl := flock.New(path)

	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock on %s: %w", dir, err)
	}
	if !ok {
		return nil, fmt.Errorf("directory %s is already locked by another process", dir)
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock. Safe to call on a nil *Lock.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
