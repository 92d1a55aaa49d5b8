package noc

import (
	"github.com/tenstorrent/go-umd/archspec"
)

// SysAddr packs (dest_x, dest_y, local_offset) into the 64-bit address
// remote firmware uses to route a request, per spec.md §6: the low
// AddrLocalBits bits carry addr, the next AddrNodeIDBits*2 bits carry
// dest_x/dest_y.
func SysAddr(params archspec.NocParams, destX, destY uint32, addr uint64) uint64 {
	local := addr & ((uint64(1) << uint(params.AddrLocalBits)) - 1)
	node := uint64(params.AddrLocalBits)

	sys := local
	sys |= uint64(destX) << node
	sys |= uint64(destY) << (node + uint64(params.AddrNodeIDBits))

	return sys
}

// SysRack packs (rack, shelf) into the high bits carried alongside sys_addr,
// mirroring original_source's get_sys_rack.
func SysRack(params archspec.NocParams, rack, shelf int) uint16 {
	mask := uint32(1)<<uint(params.RackShelfBits) - 1
	r := uint32(rack) & mask
	s := uint32(shelf) & mask

	return uint16(r | (s << uint(params.RackShelfBits)))
}

// DecodeSysAddr is the inverse of SysAddr, used by tests and diagnostics.
func DecodeSysAddr(params archspec.NocParams, sys uint64) (destX, destY uint32, addr uint64) {
	node := uint64(params.AddrLocalBits)
	localMask := (uint64(1) << node) - 1
	nodeMask := uint64(1)<<uint(params.AddrNodeIDBits) - 1

	addr = sys & localMask
	destX = uint32((sys >> node) & nodeMask)
	destY = uint32((sys >> (node + uint64(params.AddrNodeIDBits))) & nodeMask)

	return destX, destY, addr
}
