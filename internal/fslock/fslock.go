// Package fslock provides advisory file locks for inter-process coordination.
//
// Locks are backed by flock(2) via github.com/gofrs/flock. They conflict
// between independent file descriptions, so two lock instances within one
// process contend the same way two processes do. A lock is released
// explicitly via Guard.Release, or implicitly when the holding process exits.
//
// Acquisition is non-blocking by default (TryAcquire); the blocking Acquire
// exists only for short critical sections such as metadata commits.
package fslock

import "github.com/gofrs/flock"

// Guard represents a held lock. Release it when done; the lock is also
// released by the OS when the process exits.
type Guard struct {
	fl *flock.Flock
}

// TryAcquire attempts to take an exclusive lock on path without blocking.
// Returns (nil, nil) when the lock is held elsewhere. The lock file is
// created if it does not exist and is not removed on release.
func TryAcquire(path string) (*Guard, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, nil
	}
	return &Guard{fl: fl}, nil
}

// Acquire takes an exclusive lock on path, blocking until it is available.
// Only for short critical sections; chunk ownership always uses TryAcquire.
func Acquire(path string) (*Guard, error) {
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, err
	}
	return &Guard{fl: fl}, nil
}

// Release drops the lock. Safe to call once per Guard.
func (g *Guard) Release() error {
	return g.fl.Unlock()
}

// Path returns the lock file path.
func (g *Guard) Path() string {
	return g.fl.Path()
}
