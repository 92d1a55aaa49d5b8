package cluster

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewDescriptorMapsAreReadyForUse(t *testing.T) {
	d := NewDescriptor(uuid.New())

	// Every map field must be non-nil so callers can write into them
	// directly without a nil-map panic.
	require.NotNil(t, d.ChipsWithMMIO)
	require.NotNil(t, d.ChipLocations)
	require.NotNil(t, d.HarvestingMasks)
	require.NotNil(t, d.BoardTypes)
	require.NotNil(t, d.ChipUniqueIDs)
	require.NotNil(t, d.ActiveEthChannels)
	require.NotNil(t, d.IdleEthChannels)
	require.NotNil(t, d.ChipsGroupedByGateway)
}

func TestActiveAndIdleChannelsPartitionAllChannels(t *testing.T) {
	d := NewDescriptor(uuid.New())

	const numChannels = 4
	id := ChipID(0)

	d.ActiveEthChannels[id] = []int{0, 2}
	d.IdleEthChannels[id] = []int{1, 3}

	seen := make(map[int]bool)
	for _, ch := range d.ActiveEthChannels[id] {
		require.False(t, seen[ch], "channel %d appears twice", ch)
		seen[ch] = true
	}
	for _, ch := range d.IdleEthChannels[id] {
		require.False(t, seen[ch], "channel %d appears in both active and idle", ch)
		seen[ch] = true
	}

	require.Len(t, seen, numChannels)
}

func TestEthConnectionsEdgeEndpointsAreDistinguishable(t *testing.T) {
	d := NewDescriptor(uuid.New())

	edge := Edge{
		A: ChipIDChannel{Chip: 0, Channel: 1},
		B: ChipIDChannel{Chip: 1, Channel: 3},
	}
	d.EthConnections = append(d.EthConnections, edge)

	require.Len(t, d.EthConnections, 1)
	require.NotEqual(t, d.EthConnections[0].A, d.EthConnections[0].B)
}

func TestChipIDChannelUsableAsMapKey(t *testing.T) {
	a := ChipIDChannel{Chip: 5, Channel: 2}
	b := ChipIDChannel{Chip: 5, Channel: 2}
	c := ChipIDChannel{Chip: 5, Channel: 3}

	m := map[ChipIDChannel]bool{a: true}

	require.True(t, m[b])
	require.False(t, m[c])
}
