package lock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerAcquireLazilyInitializes(t *testing.T) {
	withTempMutexDir(t)

	m := NewManager()

	guard, err := m.Acquire(ArcMsg, "chip0")
	require.NoError(t, err)
	guard.Release()
}

func TestManagerInitializeAndClearAreIdempotent(t *testing.T) {
	withTempMutexDir(t)

	m := NewManager()

	require.NoError(t, m.Initialize(NonMMIO, "chip0", PCIe, false))
	require.NoError(t, m.Initialize(NonMMIO, "chip0", PCIe, false)) // second init is a no-op

	require.NoError(t, m.Clear(NonMMIO, "chip0", PCIe))
	require.NoError(t, m.Clear(NonMMIO, "chip0", PCIe)) // second clear is a no-op, not an error
}

func TestManagerCreateEthMapIsHostWideAcrossDeviceKeys(t *testing.T) {
	withTempMutexDir(t)

	require.Equal(t, name(CreateEthMap, "chipA", PCIe), name(CreateEthMap, "chipB", JTAG))
}

func TestManagerDistinctKindsAndKeysNeverCollide(t *testing.T) {
	withTempMutexDir(t)

	names := map[string]bool{}
	for _, k := range []Kind{ArcMsg, TTDeviceIO, NonMMIO, MemBarrier, PCIeDMA} {
		for _, key := range []string{"chip0", "chip1"} {
			for _, dt := range []DeviceType{PCIe, JTAG} {
				n := name(k, key, dt)
				require.False(t, names[n], "duplicate mutex name %s", n)
				names[n] = true
			}
		}
	}
}

func TestManagerAcquireWithRecoveryRunsOnEveryAcquisition(t *testing.T) {
	withTempMutexDir(t)

	m := NewManager()

	calls := 0
	guard, err := m.AcquireWithRecovery(MemBarrier, "chip0", func() { calls++ })
	require.NoError(t, err)
	guard.Release()

	require.Equal(t, 1, calls)

	guard2, err := m.AcquireWithRecovery(MemBarrier, "chip0", func() { calls++ })
	require.NoError(t, err)
	guard2.Release()

	require.Equal(t, 2, calls)
}

func TestManagerClearOnNeverInitializedMutexIsNoop(t *testing.T) {
	withTempMutexDir(t)

	m := NewManager()

	require.NoError(t, m.Clear(PCIeDMA, "never-touched", PCIe))
}
