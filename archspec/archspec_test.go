package archspec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForReturnsCapabilityPerArch(t *testing.T) {
	for _, a := range []Arch{Wormhole, Blackhole, Grayskull} {
		caps, err := For(a)
		require.NoError(t, err)
		require.Equal(t, a, caps.Arch())
	}
}

func TestForUnknownArchReturnsError(t *testing.T) {
	_, err := For(Arch(99))
	require.Error(t, err)
}

func TestDescribeTLBKnownSizeSucceeds(t *testing.T) {
	caps, err := For(Wormhole)
	require.NoError(t, err)

	off, err := caps.DescribeTLB(TLB1M)
	require.NoError(t, err)
	require.Equal(t, commonOffsets, off)
}

func TestDescribeTLBUnsupportedSizeFails(t *testing.T) {
	caps, err := For(Wormhole)
	require.NoError(t, err)

	// Wormhole's table does not carry TLB4G.
	_, err = caps.DescribeTLB(TLB4G)
	require.Error(t, err)
}

func TestBlackholeHas4GTLBButWormholeDoesNot(t *testing.T) {
	bh, err := For(Blackhole)
	require.NoError(t, err)
	require.True(t, bh.Has4GTLB())

	wh, err := For(Wormhole)
	require.NoError(t, err)
	require.False(t, wh.Has4GTLB())
}

func TestGrayskullHasNoEthernetChannels(t *testing.T) {
	gs, err := For(Grayskull)
	require.NoError(t, err)
	require.Zero(t, gs.NocParams().NumEthChannels)
}

func TestWormholeAndBlackholeEthernetChannelCounts(t *testing.T) {
	wh, err := For(Wormhole)
	require.NoError(t, err)
	require.Equal(t, 16, wh.NocParams().NumEthChannels)

	bh, err := For(Blackhole)
	require.NoError(t, err)
	require.Equal(t, 14, bh.NocParams().NumEthChannels)
}

func TestArchStringerCoversAllKnownArchitectures(t *testing.T) {
	require.Equal(t, "wormhole", Wormhole.String())
	require.Equal(t, "blackhole", Blackhole.String())
	require.Equal(t, "grayskull", Grayskull.String())
	require.Equal(t, "unknown", Arch(99).String())
}
