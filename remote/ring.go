package remote

// Ring is the small state machine spec.md §9 asks for to keep the
// (wptr, rptr) invariant (0 ≤ occupancy ≤ cmdBufSize) in one place, per
// spec.md §3's command-ring data model. cmdBufSize is the ring depth;
// ptrMask is one bit wider than sizeMask so full-vs-empty can be
// distinguished by the extra wrap bit, per spec.md §3's "under a larger
// pointer-mask modulus" note.
type Ring struct {
	cmdBufSize uint32
	sizeMask   uint32
	ptrMask    uint32

	wptr uint32
	rptr uint32
}

// NewRing constructs a ring with the given depth and masks, as loaded from
// the architecture's EthInterfaceParams table.
func NewRing(cmdBufSize, sizeMask, ptrMask uint32) *Ring {
	return &Ring{cmdBufSize: cmdBufSize, sizeMask: sizeMask, ptrMask: ptrMask}
}

// Sync replaces the ring's view of (wptr, rptr) with values just read back
// from device memory.
func (r *Ring) Sync(wptr, rptr uint32) {
	r.wptr = wptr
	r.rptr = rptr
}

// WPtr, RPtr return the raw (unmasked) pointers.
func (r *Ring) WPtr() uint32 { return r.wptr }
func (r *Ring) RPtr() uint32 { return r.rptr }

// WriteIndex is the slot index the next enqueue should land on.
func (r *Ring) WriteIndex() uint32 { return r.wptr & r.sizeMask }

// ReadIndex is the slot index the next dequeue should read from.
func (r *Ring) ReadIndex() uint32 { return r.rptr & r.sizeMask }

// Full reports whether the ring has cmdBufSize outstanding (un-acked)
// entries, per spec.md §3's "wptr - rptr == cmd_buf_size" condition under
// ptrMask arithmetic.
func (r *Ring) Full() bool {
	return ((r.wptr-r.rptr)&r.ptrMask) == r.cmdBufSize
}

// Empty reports whether there are no outstanding entries.
func (r *Ring) Empty() bool {
	return r.wptr == r.rptr
}

// Advance moves wptr forward by one slot, wrapping modulo ptrMask.
func (r *Ring) Advance() {
	r.wptr = (r.wptr + 1) & r.ptrMask
}

// AdvanceRead moves rptr forward by one slot, wrapping modulo ptrMask.
func (r *Ring) AdvanceRead() {
	r.rptr = (r.rptr + 1) & r.ptrMask
}

// Occupancy returns the number of outstanding entries.
func (r *Ring) Occupancy() uint32 {
	return (r.wptr - r.rptr) & r.ptrMask
}
