package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablup/backend.ai-sub022/pkg/config"
	"github.com/lablup/backend.ai-sub022/pkg/types"
)

func TestMemoryLockerMutualExclusion(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	h, err := l.Acquire(ctx, "scheduler.default", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "scheduler.default", time.Minute)
	assert.ErrorIs(t, err, types.ErrLockBusy)

	// A different lock id is independent.
	h2, err := l.Acquire(ctx, "scheduler.gpu", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))

	require.NoError(t, h.Release(ctx))
	h, err = l.Acquire(ctx, "scheduler.default", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
}

func TestMemoryLockerExpiry(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	now := time.Now()
	l.clock = func() time.Time { return now }

	stale, err := l.Acquire(ctx, "scheduler.default", 30*time.Second)
	require.NoError(t, err)

	// The holder dies; after the lifetime the lock is acquirable again.
	l.clock = func() time.Time { return now.Add(31 * time.Second) }
	h, err := l.Acquire(ctx, "scheduler.default", 30*time.Second)
	require.NoError(t, err)

	// The stale handle must not release the new holder's lock.
	require.NoError(t, stale.Release(ctx))
	_, err = l.Acquire(ctx, "scheduler.default", 30*time.Second)
	assert.ErrorIs(t, err, types.ErrLockBusy)

	require.NoError(t, h.Release(ctx))
}

func TestFileLockerMutualExclusion(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Two lockers sharing a directory model two scheduler replicas.
	l1 := NewFileLocker(dir)
	l2 := NewFileLocker(dir)

	h, err := l1.Acquire(ctx, "scheduler.default", time.Minute)
	require.NoError(t, err)

	_, err = l2.Acquire(ctx, "scheduler.default", time.Minute)
	assert.ErrorIs(t, err, types.ErrLockBusy)

	require.NoError(t, h.Release(ctx))
	h, err = l2.Acquire(ctx, "scheduler.default", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
}

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()

	l, err := New(ctx, config.LockConfig{Backend: "memory"})
	require.NoError(t, err)
	_, ok := l.(*MemoryLocker)
	assert.True(t, ok)

	l, err = New(ctx, config.LockConfig{Backend: "file", Dir: t.TempDir()})
	require.NoError(t, err)
	_, ok = l.(*FileLocker)
	assert.True(t, ok)

	_, err = New(ctx, config.LockConfig{Backend: "zookeeper"})
	assert.Error(t, err)
}
