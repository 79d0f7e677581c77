// Package statelocker provides per-upload mutual exclusion built on the
// state backend's atomic set-if-absent with expiry.
//
// When multiple workers are attempting to write to an upload, a
// synchronization mechanism is required to prevent data corruption,
// especially to ensure correct offset values and the proper order of
// chunks inside a single upload. The lock key carries a TTL equal to the
// lock timeout, so a lock whose holder died self-heals without operator
// intervention. There is no reentrancy and no fairness guarantee.
package statelocker

import (
	"context"
	"errors"
	"time"

	"github.com/transferd/transferd/pkg/state"
)

// ErrLockHeld is returned when the lock could not be acquired because
// another holder still owns it after the single retry.
var ErrLockHeld = errors.New("statelocker: upload is locked by another request")

const (
	// DefaultTimeout is the TTL of the lock key. A holder that fails to
	// release explicitly loses the lock after this long.
	DefaultTimeout = 30 * time.Second
	// DefaultRetryDelay is how long Lock waits before its single retry.
	DefaultRetryDelay = 100 * time.Millisecond

	lockPrefix = "lock:"
	lockValue  = "1"
)

// Locker creates locks scoped to upload ids on top of a state backend.
type Locker struct {
	Backend state.Backend
	// Timeout is the lock TTL. Defaults to DefaultTimeout.
	Timeout time.Duration
	// RetryDelay is the pause before the single re-acquisition attempt.
	// Defaults to DefaultRetryDelay.
	RetryDelay time.Duration
}

// New creates a Locker with default timeout and retry delay.
func New(backend state.Backend) *Locker {
	return &Locker{Backend: backend}
}

// NewLock creates a new unlocked lock object for the given upload id.
func (locker *Locker) NewLock(id string) *Lock {
	return &Lock{locker: locker, key: lockPrefix + id}
}

func (locker *Locker) timeout() time.Duration {
	if locker.Timeout > 0 {
		return locker.Timeout
	}
	return DefaultTimeout
}

func (locker *Locker) retryDelay() time.Duration {
	if locker.RetryDelay > 0 {
		return locker.RetryDelay
	}
	return DefaultRetryDelay
}

// Lock is a single-use handle for the per-upload lock.
type Lock struct {
	locker *Locker
	key    string
}

// TryLock makes exactly one acquisition attempt.
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	return l.locker.Backend.Set(ctx, l.key, lockValue, state.SetOptions{
		TTL:      l.locker.timeout(),
		IfAbsent: true,
	})
}

// Lock attempts to obtain the exclusive lock. If the lock is held, it
// waits the retry delay and tries once more; a second failure returns
// ErrLockHeld so the caller can report a retryable conflict.
func (l *Lock) Lock(ctx context.Context) error {
	acquired, err := l.TryLock(ctx)
	if err != nil {
		return err
	}
	if acquired {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(l.locker.retryDelay()):
	}

	acquired, err = l.TryLock(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLockHeld
	}
	return nil
}

// Unlock releases the lock. Releasing a lock that has already lapsed is
// not an error.
func (l *Lock) Unlock(ctx context.Context) error {
	_, err := l.locker.Backend.Delete(ctx, l.key)
	return err
}
