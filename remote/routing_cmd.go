// Package remote implements spec.md §4.5: the request/response protocol
// that tunnels reads and writes to a chip unreachable over PCIe through a
// gateway chip's Ethernet core. Grounded on
// original_source/device/remote_communication.cpp's routing_cmd_t and
// read/write algorithms.
package remote

// Flag is a bit in a routing_cmd's flags field (spec.md §4.5).
type Flag uint32

const (
	FlagWrReq         Flag = 1 << 0
	FlagRdReq         Flag = 1 << 1
	FlagWrAck         Flag = 1 << 2
	FlagRdData        Flag = 1 << 3
	FlagDataBlock     Flag = 1 << 4
	FlagDataBlockDRAM Flag = 1 << 5
	FlagOrdered       Flag = 1 << 6
	FlagBroadcast     Flag = 1 << 7
	FlagTimestamp     Flag = 1 << 8
)

// RoutingCmd is the 32-byte record the remote firmware consumes from the
// request ring (spec.md §4.5, GLOSSARY), mirroring
// original_source/device/remote_communication.cpp's routing_cmd_t layout.
type RoutingCmd struct {
	SysAddr    uint64 // encoded (dest_x, dest_y, addr) for the destination chip's NoC
	Data       uint32 // 32-bit payload (single-word mode) or byte length (block mode)
	Flags      uint32 // bitfield of Flag values
	Rack       uint16 // encoded (rack, shelf) for the destination
	_reserved1 uint16
	_reserved2 uint32
	SrcAddrTag uint32 // upper bits of sysmem block address when FlagDataBlockDRAM is set
	_reserved3 uint32
}

// Size is the on-wire size of one RoutingCmd record.
const Size = 32

// BroadcastHeaderWords is the size (in 32-bit words) of the broadcast mask
// header prepended to a broadcast payload (spec.md §4.5.4).
const BroadcastHeaderWords = 8
