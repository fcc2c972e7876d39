package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redsync/redsync/v4"
)

// ErrLockUnavailable means the named lock could not be acquired within its
// wait timeout
var ErrLockUnavailable = errors.New("lock unavailable")

const lockRetryDelay = 100 * time.Millisecond

// Lock is a named advisory lock backed by the store. The hold timeout bounds
// how long the lock survives a crashed holder; the wait timeout bounds how
// long Acquire blocks before giving up.
type Lock struct {
	mutex *redsync.Mutex
}

// NewLock builds a named lock with the given hold and wait timeouts
func (s *Store) NewLock(name string, hold, wait time.Duration) *Lock {
	tries := int(wait/lockRetryDelay) + 1
	return &Lock{
		mutex: s.locks.NewMutex(
			name,
			redsync.WithExpiry(hold),
			redsync.WithTries(tries),
			redsync.WithRetryDelay(lockRetryDelay),
		),
	}
}

// Acquire blocks until the lock is held or the wait timeout elapses, in
// which case it returns ErrLockUnavailable.
func (l *Lock) Acquire(ctx context.Context) error {
	if err := l.mutex.LockContext(ctx); err != nil {
		return errors.Join(ErrLockUnavailable, err)
	}
	return nil
}

// Release frees the lock. Releasing a lock whose hold timeout already
// expired is not an error worth surfacing; the holder has lost it either way.
func (l *Lock) Release(ctx context.Context) {
	_, _ = l.mutex.UnlockContext(ctx)
}
