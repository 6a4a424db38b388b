package segment

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestLockAcquireRelease(t *testing.T) {
	root := t.TempDir()

	l, err := AcquireLock(context.Background(), root, time.Second, nil)
	require.NoError(t, err)
	require.NotEmpty(t, l.Owner())

	info, err := ReadLock(root)
	require.NoError(t, err)
	require.Equal(t, l.Owner(), info.Owner)
	require.Equal(t, os.Getpid(), info.PID)

	require.NoError(t, l.Release())
	_, err = ReadLock(root)
	require.ErrorIs(t, err, ErrNotFound)

	// Idempotent.
	require.NoError(t, l.Release())
}

func TestLockExclusive(t *testing.T) {
	root := t.TempDir()

	l, err := AcquireLock(context.Background(), root, time.Second, nil)
	require.NoError(t, err)
	defer func() { _ = l.Release() }()

	_, err = AcquireLock(context.Background(), root, 10*time.Millisecond, nil)
	require.ErrorIs(t, err, ErrLockTimeout)
}

func TestLockAcquireAfterRelease(t *testing.T) {
	root := t.TempDir()

	l1, err := AcquireLock(context.Background(), root, time.Second, nil)
	require.NoError(t, err)
	require.NoError(t, l1.Release())

	l2, err := AcquireLock(context.Background(), root, time.Second, nil)
	require.NoError(t, err)
	require.NotEqual(t, l1.Owner(), l2.Owner())
	require.NoError(t, l2.Release())
}

func TestLockBreaksStale(t *testing.T) {
	root := t.TempDir()

	// A lock record whose heartbeat stopped long ago, as left behind
	// by a crashed process.
	stale := LockInfo{
		Owner:       "dead-owner",
		Hostname:    "gone",
		PID:         1,
		CreatedAt:   time.Now().Add(-time.Hour),
		HeartbeatAt: time.Now().Add(-time.Hour),
	}
	data, err := cbor.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, lockFileName), data, 0o644))

	l, err := AcquireLock(context.Background(), root, time.Second, nil)
	require.NoError(t, err)
	require.NotEqual(t, "dead-owner", l.Owner())
	require.NoError(t, l.Release())
}

func TestLockContextCancelled(t *testing.T) {
	root := t.TempDir()

	l, err := AcquireLock(context.Background(), root, time.Second, nil)
	require.NoError(t, err)
	defer func() { _ = l.Release() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = AcquireLock(ctx, root, time.Minute, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBreakLock(t *testing.T) {
	root := t.TempDir()

	l, err := AcquireLock(context.Background(), root, time.Second, nil)
	require.NoError(t, err)

	require.NoError(t, BreakLock(root))
	_, err = ReadLock(root)
	require.ErrorIs(t, err, ErrNotFound)

	// The previous holder notices on release and does not disturb a
	// new owner.
	l2, err := AcquireLock(context.Background(), root, time.Second, nil)
	require.NoError(t, err)
	require.NoError(t, l.Release())
	info, err := ReadLock(root)
	require.NoError(t, err)
	require.Equal(t, l2.Owner(), info.Owner)
	require.NoError(t, l2.Release())

	// Breaking an unlocked repository is fine.
	require.NoError(t, BreakLock(root))
}
