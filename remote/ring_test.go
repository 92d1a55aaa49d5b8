package remote

import "testing"

func TestRingEmptyAtStart(t *testing.T) {
	r := NewRing(4, 0x3, 0x7)
	if !r.Empty() {
		t.Fatal("new ring should be empty")
	}
	if r.Full() {
		t.Fatal("new ring should not be full")
	}
	if r.Occupancy() != 0 {
		t.Fatalf("occupancy = %d, want 0", r.Occupancy())
	}
}

func TestRingFillsToCapacityAndNoFurther(t *testing.T) {
	r := NewRing(4, 0x3, 0x7)

	for i := 0; i < 4; i++ {
		if r.Full() {
			t.Fatalf("ring reported full after only %d entries", i)
		}
		r.Advance()
	}

	if !r.Full() {
		t.Fatal("ring should be full after cmdBufSize advances")
	}
	if r.Occupancy() != 4 {
		t.Fatalf("occupancy = %d, want 4", r.Occupancy())
	}
}

func TestRingDrainReturnsToEmpty(t *testing.T) {
	r := NewRing(4, 0x3, 0x7)

	for i := 0; i < 4; i++ {
		r.Advance()
	}
	for i := 0; i < 4; i++ {
		r.AdvanceRead()
	}

	if !r.Empty() {
		t.Fatal("ring should be empty after draining every advanced entry")
	}
	if r.Full() {
		t.Fatal("drained ring should not be full")
	}
}

func TestRingWrapsAcrossPtrMaskBoundary(t *testing.T) {
	r := NewRing(4, 0x3, 0x7)

	// Push the raw pointers past the sizeMask modulus (6 advances take
	// wptr past 4, where wptr&sizeMask wraps back to 0) while keeping
	// occupancy below capacity.
	for i := 0; i < 6; i++ {
		r.Advance()
		r.AdvanceRead()
	}

	if !r.Empty() {
		t.Fatal("ring should be empty after equal advance/read counts even across a wrap")
	}

	r.Advance()
	r.Advance()
	if r.Occupancy() != 2 {
		t.Fatalf("occupancy = %d, want 2", r.Occupancy())
	}
	if r.WriteIndex() != r.WPtr()&0x3 {
		t.Fatalf("write index %d does not match wptr&sizeMask", r.WriteIndex())
	}
}

func TestRingSyncReplacesPointers(t *testing.T) {
	r := NewRing(4, 0x3, 0x7)
	r.Sync(5, 3)

	if r.WPtr() != 5 || r.RPtr() != 3 {
		t.Fatalf("Sync did not take effect: wptr=%d rptr=%d", r.WPtr(), r.RPtr())
	}
	if r.Occupancy() != 2 {
		t.Fatalf("occupancy = %d, want 2", r.Occupancy())
	}
}
