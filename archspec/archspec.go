// Package archspec holds the per-architecture constant tables and narrow
// capability interface spec.md §9 asks for instead of a deep subclassing
// hierarchy: a tagged variant on Arch plus a table of values selected once
// at chip construction.
package archspec

import (
	"fmt"

	"github.com/tenstorrent/go-umd/internal/tterr"
)

// Arch identifies one of the supported chip families.
type Arch int

const (
	Wormhole Arch = iota
	Blackhole
	Grayskull
)

func (a Arch) String() string {
	switch a {
	case Wormhole:
		return "wormhole"
	case Blackhole:
		return "blackhole"
	case Grayskull:
		return "grayskull"
	default:
		return "unknown"
	}
}

// TLBSizeClass is one of the fixed aperture sizes the kernel driver can
// allocate.
type TLBSizeClass uint64

const (
	TLB1M  TLBSizeClass = 1 << 20
	TLB2M  TLBSizeClass = 2 << 20
	TLB16M TLBSizeClass = 16 << 20
	TLB4G  TLBSizeClass = 1 << 32
)

// TLBOffsets describes the bit layout of a packed NoC TLB configuration
// word, mirroring original_source/device/tlb.cpp's tlb_offsets.
type TLBOffsets struct {
	LocalOffset int
	XEnd        int
	YEnd        int
	XStart      int
	YStart      int
	NocSel      int
	Mcast       int
	Ordering    int
	Linked      int
	StaticVC    int
	StaticVCEnd int
}

// NocParams carries the bit widths used by the sys-addr encoder (spec.md
// §6).
type NocParams struct {
	AddrLocalBits  int
	AddrNodeIDBits int
	RackShelfBits  int
	NumEthChannels int
}

// EthInterfaceParams are the fixed byte offsets into an Ethernet core's
// local memory for the remote-transport command rings (spec.md §6).
type EthInterfaceParams struct {
	RequestCmdQueueBase       uint32
	ResponseCmdQueueBase      uint32
	CmdCountersSizeBytes      uint32
	RemoteUpdatePtrSizeBytes  uint32
	EthRoutingDataBufferAddr  uint32
	CmdBufSize                uint32
	CmdBufPtrMask             uint32
	CmdBufSizeMask            uint32
	MaxBlockSize              uint32
}

// HostAddressParams carries the sysmem/DRAM block-buffer size used once a
// transfer exceeds the inline threshold (original_source/device/remote_communication.cpp).
type HostAddressParams struct {
	EthRoutingBlockSize uint32
}

// Capability is the narrow, per-architecture interface spec.md §9 asks for:
// everything that varies across Wormhole/Blackhole/Grayskull without a class
// hierarchy.
type Capability interface {
	Arch() Arch
	MulticastWorkaround() bool
	TLBConfiguration() []TLBSizeClass
	NocParams() NocParams
	EthInterfaceParams() EthInterfaceParams
	HostAddressParams() HostAddressParams
	DescribeTLB(size TLBSizeClass) (TLBOffsets, error)
	Has4GTLB() bool
}

type table struct {
	arch                Arch
	multicastWorkaround bool
	tlbSizes            []TLBSizeClass
	noc                 NocParams
	eth                 EthInterfaceParams
	host                HostAddressParams
	offsets             map[TLBSizeClass]TLBOffsets
	has4G               bool
}

func (t table) Arch() Arch                    { return t.arch }
func (t table) MulticastWorkaround() bool     { return t.multicastWorkaround }
func (t table) TLBConfiguration() []TLBSizeClass { return t.tlbSizes }
func (t table) NocParams() NocParams          { return t.noc }
func (t table) EthInterfaceParams() EthInterfaceParams { return t.eth }
func (t table) HostAddressParams() HostAddressParams   { return t.host }
func (t table) Has4GTLB() bool                { return t.has4G }

func (t table) DescribeTLB(size TLBSizeClass) (TLBOffsets, error) {
	off, ok := t.offsets[size]
	if !ok {
		return TLBOffsets{}, fmt.Errorf("archspec: no TLB offsets for size class %d on %s", size, t.arch)
	}

	return off, nil
}

// commonOffsets is the packed-config bit layout shared by Wormhole and
// Blackhole generations of the NoC TLB window (original_source/device/tlb.cpp).
var commonOffsets = TLBOffsets{
	LocalOffset: 0,
	XEnd:        17,
	YEnd:        23,
	XStart:      29,
	YStart:      35,
	NocSel:      41,
	Mcast:       42,
	Ordering:    43,
	Linked:      45,
	StaticVC:    46,
	StaticVCEnd: 49,
}

func offsetsFor(sizes ...TLBSizeClass) map[TLBSizeClass]TLBOffsets {
	m := make(map[TLBSizeClass]TLBOffsets, len(sizes))
	for _, s := range sizes {
		m[s] = commonOffsets
	}

	return m
}

var wormholeTable = table{
	arch:                Wormhole,
	multicastWorkaround: true,
	tlbSizes:            []TLBSizeClass{TLB1M, TLB2M, TLB16M},
	noc: NocParams{
		AddrLocalBits:  36,
		AddrNodeIDBits: 6,
		RackShelfBits:  10,
		NumEthChannels: 16,
	},
	eth: EthInterfaceParams{
		RequestCmdQueueBase:      0x0,
		ResponseCmdQueueBase:     0x100,
		CmdCountersSizeBytes:     8,
		RemoteUpdatePtrSizeBytes: 16,
		EthRoutingDataBufferAddr: 0x1000,
		CmdBufSize:               4,
		CmdBufPtrMask:            0x7,
		CmdBufSizeMask:           0x3,
		MaxBlockSize:             1024,
	},
	host:    HostAddressParams{EthRoutingBlockSize: 1 << 20},
	offsets: offsetsFor(TLB1M, TLB2M, TLB16M),
	has4G:   false,
}

var blackholeTable = table{
	arch:                Blackhole,
	multicastWorkaround: false,
	tlbSizes:            []TLBSizeClass{TLB2M, TLB4G},
	noc: NocParams{
		AddrLocalBits:  43,
		AddrNodeIDBits: 6,
		RackShelfBits:  10,
		NumEthChannels: 14,
	},
	eth: EthInterfaceParams{
		RequestCmdQueueBase:      0x0,
		ResponseCmdQueueBase:     0x200,
		CmdCountersSizeBytes:     8,
		RemoteUpdatePtrSizeBytes: 16,
		EthRoutingDataBufferAddr: 0x2000,
		CmdBufSize:               8,
		CmdBufPtrMask:            0xF,
		CmdBufSizeMask:           0x7,
		MaxBlockSize:             4096,
	},
	host:    HostAddressParams{EthRoutingBlockSize: 4 << 20},
	offsets: offsetsFor(TLB2M, TLB4G),
	has4G:   true,
}

var grayskullTable = table{
	arch:                Grayskull,
	multicastWorkaround: true,
	tlbSizes:            []TLBSizeClass{TLB1M, TLB16M},
	noc: NocParams{
		AddrLocalBits:  32,
		AddrNodeIDBits: 6,
		RackShelfBits:  0,
		NumEthChannels: 0,
	},
	eth:     EthInterfaceParams{},
	host:    HostAddressParams{},
	offsets: offsetsFor(TLB1M, TLB16M),
	has4G:   false,
}

// For looks up the capability table for an architecture.
func For(a Arch) (Capability, error) {
	switch a {
	case Wormhole:
		return wormholeTable, nil
	case Blackhole:
		return blackholeTable, nil
	case Grayskull:
		return grayskullTable, nil
	default:
		return nil, fmt.Errorf("archspec: %w: arch tag %d", tterr.ErrUnsupportedArchitecture, a)
	}
}
