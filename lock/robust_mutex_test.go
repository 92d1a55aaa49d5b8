package lock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func withTempMutexDir(t *testing.T) {
	t.Helper()
	old := mutexDir
	mutexDir = t.TempDir()
	t.Cleanup(func() { mutexDir = old })
}

func TestRobustMutexLockUnlockRoundTrip(t *testing.T) {
	withTempMutexDir(t)

	m, err := openOrCreate("test_mutex")
	require.NoError(t, err)

	guard, err := m.Lock(nil)
	require.NoError(t, err)
	guard.Release()

	// A second acquisition must succeed now that the first was released.
	guard2, err := m.Lock(nil)
	require.NoError(t, err)
	guard2.Release()
}

func TestRobustMutexTryLockFailsWhileHeld(t *testing.T) {
	withTempMutexDir(t)

	holder, err := openOrCreate("contended")
	require.NoError(t, err)
	contender, err := openOrCreate("contended")
	require.NoError(t, err)

	guard, err := holder.Lock(nil)
	require.NoError(t, err)

	_, ok, err := contender.TryLock()
	require.NoError(t, err)
	require.False(t, ok, "TryLock should fail while another handle holds the lock")

	guard.Release()

	guard2, ok, err := contender.TryLock()
	require.NoError(t, err)
	require.True(t, ok, "TryLock should succeed once the lock is released")
	guard2.Release()
}

func TestRobustMutexReleaseIsIdempotent(t *testing.T) {
	withTempMutexDir(t)

	m, err := openOrCreate("idempotent_release")
	require.NoError(t, err)

	guard, err := m.Lock(nil)
	require.NoError(t, err)

	guard.Release()
	guard.Release() // must not panic or error

	var zero Guard
	zero.Release() // must not panic on a zero-value guard
}

func TestRobustMutexClearRemovesBackingFileAndRecreates(t *testing.T) {
	withTempMutexDir(t)

	m, err := openOrCreate("clearable")
	require.NoError(t, err)

	require.NoError(t, m.Clear())
	// Clearing again (no outstanding lock) must still succeed.
	require.NoError(t, m.Clear())

	// A fresh open-or-create after clearing must work as if new.
	m2, err := openOrCreate("clearable")
	require.NoError(t, err)
	guard, err := m2.Lock(nil)
	require.NoError(t, err)
	guard.Release()
}

func TestRobustMutexLockRunsRecoveryCallback(t *testing.T) {
	withTempMutexDir(t)

	m, err := openOrCreate("recovery")
	require.NoError(t, err)

	called := 0
	guard, err := m.Lock(func() { called++ })
	require.NoError(t, err)
	guard.Release()

	require.Equal(t, 1, called)
}
