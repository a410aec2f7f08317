// internal/domain/locker.go
package domain

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned when the lock is already held by another caller.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Lock is an acquired lock.
type Lock interface {
	Unlock(ctx context.Context) error
}

// Locker hands out named, non-blocking locks. Dispatch uses one lock per job
// so that only one round can be opened for a job at a time.
type Locker interface {
	// Lock must return ErrLockNotAcquired instead of waiting when name is held.
	Lock(ctx context.Context, name string) (Lock, error)
}
