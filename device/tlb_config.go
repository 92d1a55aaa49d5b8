package device

import (
	"github.com/tenstorrent/go-umd/archspec"
)

// tlbData mirrors original_source/device/tlb.cpp's tlb_data: the unpacked
// fields of a NoC TLB configuration word before they are shifted into their
// bit positions.
type tlbData struct {
	LocalOffset uint64
	XEnd        uint32
	YEnd        uint32
	XStart      uint32
	YStart      uint32
	NocSel      uint32
	Mcast       uint32
	Ordering    uint32
	Linked      uint32
	StaticVC    uint32
}

func fromNocConfig(cfg NocConfig) tlbData {
	mcast := uint32(0)
	if cfg.Multicast {
		mcast = 1
	}

	linked := uint32(0)
	if cfg.Linked {
		linked = 1
	}

	return tlbData{
		LocalOffset: cfg.LocalOffset,
		XEnd:        cfg.XEnd,
		YEnd:        cfg.YEnd,
		XStart:      cfg.XStart,
		YStart:      cfg.YStart,
		NocSel:      cfg.NocSel,
		Mcast:       mcast,
		Ordering:    uint32(cfg.Ordering),
		Linked:      linked,
		StaticVC:    cfg.StaticVC,
	}
}

// check reports whether any field overflows the bit width implied by offset.
// original_source/device/tlb.cpp computes this with bitwise OR across
// booleans ("a | b | c ..."); spec.md §9 asks reimplementations to keep the
// "any field overflows" meaning but use an explicit boolean OR, which is
// what the chained || below does.
func (t tlbData) check(offset archspec.TLBOffsets) bool {
	bits := func(hi, lo int) uint64 {
		return (uint64(1) << uint(hi-lo)) - 1
	}

	return t.LocalOffset > bits(offset.XEnd, offset.LocalOffset) ||
		uint64(t.XEnd) > bits(offset.YEnd, offset.XEnd) ||
		uint64(t.YEnd) > bits(offset.XStart, offset.YEnd) ||
		uint64(t.XStart) > bits(offset.YStart, offset.XStart) ||
		uint64(t.YStart) > bits(offset.NocSel, offset.YStart) ||
		uint64(t.NocSel) > bits(offset.Mcast, offset.NocSel) ||
		uint64(t.Mcast) > bits(offset.Ordering, offset.Mcast) ||
		uint64(t.Ordering) > bits(offset.Linked, offset.Ordering) ||
		uint64(t.Linked) > bits(offset.StaticVC, offset.Linked) ||
		uint64(t.StaticVC) > bits(offset.StaticVCEnd, offset.StaticVC)
}

// applyOffset packs t into a single 64-bit word according to offset, or
// reports ok=false if any field overflows its allotted width.
func (t tlbData) applyOffset(offset archspec.TLBOffsets) (packed uint64, ok bool) {
	if t.check(offset) {
		return 0, false
	}

	packed = t.LocalOffset<<uint(offset.LocalOffset) |
		uint64(t.XEnd)<<uint(offset.XEnd) |
		uint64(t.YEnd)<<uint(offset.YEnd) |
		uint64(t.XStart)<<uint(offset.XStart) |
		uint64(t.YStart)<<uint(offset.YStart) |
		uint64(t.NocSel)<<uint(offset.NocSel) |
		uint64(t.Mcast)<<uint(offset.Mcast) |
		uint64(t.Ordering)<<uint(offset.Ordering) |
		uint64(t.Linked)<<uint(offset.Linked) |
		uint64(t.StaticVC)<<uint(offset.StaticVC)

	return packed, true
}
