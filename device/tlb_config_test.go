package device

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tenstorrent/go-umd/archspec"
)

func testOffsets(t *testing.T) archspec.TLBOffsets {
	t.Helper()

	caps, err := archspec.For(archspec.Wormhole)
	require.NoError(t, err)

	off, err := caps.DescribeTLB(archspec.TLB1M)
	require.NoError(t, err)

	return off
}

func TestApplyOffsetPacksAndRoundTripsEachField(t *testing.T) {
	off := testOffsets(t)

	cfg := NocConfig{
		LocalOffset: 7,
		XStart:      3,
		YStart:      4,
		XEnd:        5,
		YEnd:        6,
		NocSel:      1,
		StaticVC:    2,
		Ordering:    OrderingStrict,
		Multicast:   true,
		Linked:      true,
	}

	packed, ok := fromNocConfig(cfg).applyOffset(off)
	require.True(t, ok)

	bits := func(hi, lo int) uint64 {
		return (uint64(1) << uint(hi-lo)) - 1
	}
	extract := func(at, next int) uint64 {
		return (packed >> uint(at)) & bits(next, at)
	}

	require.Equal(t, uint64(7), extract(off.LocalOffset, off.XEnd))
	require.Equal(t, uint64(5), extract(off.XEnd, off.YEnd))
	require.Equal(t, uint64(6), extract(off.YEnd, off.XStart))
	require.Equal(t, uint64(3), extract(off.XStart, off.YStart))
	require.Equal(t, uint64(4), extract(off.YStart, off.NocSel))
	require.Equal(t, uint64(1), extract(off.NocSel, off.Mcast))
	require.Equal(t, uint64(1), extract(off.Mcast, off.Ordering)) // multicast bit set
	require.Equal(t, uint64(1), extract(off.Ordering, off.Linked)) // ordering strict = 1
	require.Equal(t, uint64(1), extract(off.Linked, off.StaticVC)) // linked bit set
	require.Equal(t, uint64(2), extract(off.StaticVC, off.StaticVCEnd))
}

func TestApplyOffsetRejectsFieldOverflowingItsWidth(t *testing.T) {
	off := testOffsets(t)

	// XStart has a 6-bit field (29..35); 1<<6 overflows it.
	cfg := NocConfig{XStart: 1 << 6}

	_, ok := fromNocConfig(cfg).applyOffset(off)
	require.False(t, ok)
}

func TestApplyOffsetAcceptsMaxValueAtFieldWidth(t *testing.T) {
	off := testOffsets(t)

	// XStart's field is 6 bits wide (29..35): the maximum representable
	// value must be accepted, not rejected as an overflow.
	cfg := NocConfig{XStart: (1 << 6) - 1}

	_, ok := fromNocConfig(cfg).applyOffset(off)
	require.True(t, ok)
}

func TestFromNocConfigTranslatesBooleansToBits(t *testing.T) {
	on := fromNocConfig(NocConfig{Multicast: true, Linked: true})
	require.Equal(t, uint32(1), on.Mcast)
	require.Equal(t, uint32(1), on.Linked)

	off := fromNocConfig(NocConfig{Multicast: false, Linked: false})
	require.Equal(t, uint32(0), off.Mcast)
	require.Equal(t, uint32(0), off.Linked)
}
