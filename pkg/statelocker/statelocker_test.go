package statelocker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transferd/transferd/pkg/state"
)

func newTestLocker(t *testing.T) *Locker {
	backend := state.NewMemoryBackend()
	t.Cleanup(func() { backend.Close() })
	return New(backend)
}

func TestTryLock(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()

	lock := locker.NewLock("one")
	acquired, err := lock.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)

	// A second handle for the same upload must lose.
	acquired, err = locker.NewLock("one").TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, acquired)

	// A different upload is unaffected.
	acquired, err = locker.NewLock("two").TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)

	require.NoError(t, lock.Unlock(ctx))

	acquired, err = locker.NewLock("one").TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestLockHeld(t *testing.T) {
	locker := newTestLocker(t)
	locker.RetryDelay = 10 * time.Millisecond
	ctx := context.Background()

	holder := locker.NewLock("one")
	acquired, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	err = locker.NewLock("one").Lock(ctx)
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestLockRetrySucceeds(t *testing.T) {
	locker := newTestLocker(t)
	locker.RetryDelay = 100 * time.Millisecond
	ctx := context.Background()

	holder := locker.NewLock("one")
	acquired, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	// Release while the second caller sits in its retry delay.
	go func() {
		time.Sleep(30 * time.Millisecond)
		holder.Unlock(ctx)
	}()

	err = locker.NewLock("one").Lock(ctx)
	assert.NoError(t, err)
}

func TestLockTimeoutSelfHeals(t *testing.T) {
	locker := newTestLocker(t)
	locker.Timeout = 50 * time.Millisecond
	ctx := context.Background()

	acquired, err := locker.NewLock("one").TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	// The holder dies without unlocking. After the TTL the lock is free.
	time.Sleep(80 * time.Millisecond)

	acquired, err = locker.NewLock("one").TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestLockCancelledContext(t *testing.T) {
	locker := newTestLocker(t)
	locker.RetryDelay = time.Second
	ctx := context.Background()

	acquired, err := locker.NewLock("one").TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()

	err = locker.NewLock("one").Lock(cancelCtx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnlockWithoutLock(t *testing.T) {
	locker := newTestLocker(t)

	// Releasing a lock that was never taken, or that lapsed, is fine.
	assert.NoError(t, locker.NewLock("one").Unlock(context.Background()))
}
