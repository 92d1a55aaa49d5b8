package noc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tenstorrent/go-umd/archspec"
)

func testNocParams() archspec.NocParams {
	return archspec.NocParams{
		AddrLocalBits:  36,
		AddrNodeIDBits: 6,
		RackShelfBits:  4,
	}
}

func TestSysAddrRoundTrip(t *testing.T) {
	params := testNocParams()

	destX, destY, addr := uint32(5), uint32(9), uint64(0x123456789)

	sys := SysAddr(params, destX, destY, addr)
	gotX, gotY, gotAddr := DecodeSysAddr(params, sys)

	require.Equal(t, destX, gotX)
	require.Equal(t, destY, gotY)
	require.Equal(t, addr, gotAddr)
}

func TestSysAddrMasksLocalAddrToLocalBits(t *testing.T) {
	params := testNocParams()

	// addr has bits set above AddrLocalBits; SysAddr must mask them off
	// before packing destX/destY, per the local-bits/node-id-bits layout.
	overflowing := uint64(1) << 40
	sys := SysAddr(params, 1, 1, overflowing)
	gotX, gotY, gotAddr := DecodeSysAddr(params, sys)

	require.Zero(t, gotAddr)
	require.Equal(t, uint32(1), gotX)
	require.Equal(t, uint32(1), gotY)
}

func TestSysAddrZeroCoordsRoundTrip(t *testing.T) {
	params := testNocParams()

	sys := SysAddr(params, 0, 0, 0)
	x, y, addr := DecodeSysAddr(params, sys)

	require.Zero(t, x)
	require.Zero(t, y)
	require.Zero(t, addr)
}

func TestSysRackPacksRackAndShelf(t *testing.T) {
	params := testNocParams()

	packed := SysRack(params, 3, 7)

	mask := uint16(1)<<uint(params.RackShelfBits) - 1
	gotRack := packed & mask
	gotShelf := (packed >> uint(params.RackShelfBits)) & mask

	require.Equal(t, uint16(3), gotRack)
	require.Equal(t, uint16(7), gotShelf)
}

func TestSysRackMasksOverflowingValues(t *testing.T) {
	params := testNocParams()

	// RackShelfBits is 4, so 31 (0b11111) should be truncated to 0b1111 = 15.
	packed := SysRack(params, 31, 0)
	mask := uint16(1)<<uint(params.RackShelfBits) - 1

	require.Equal(t, uint16(15), packed&mask)
}

func TestEthCoordEqualityForMapKeys(t *testing.T) {
	a := EthCoord{ClusterID: 1, X: 2, Y: 3, Rack: 4, Shelf: 5}
	b := EthCoord{ClusterID: 1, X: 2, Y: 3, Rack: 4, Shelf: 5}
	c := EthCoord{ClusterID: 1, X: 2, Y: 3, Rack: 4, Shelf: 6}

	m := map[EthCoord]bool{a: true}

	require.True(t, m[b])
	require.False(t, m[c])
}
