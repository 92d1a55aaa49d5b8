package device

import (
	"fmt"
	"sync"

	"github.com/tenstorrent/go-umd/archspec"
	"github.com/tenstorrent/go-umd/internal/tterr"
	"github.com/tenstorrent/go-umd/internal/ttlog"
	"github.com/tenstorrent/go-umd/lock"
)

// Core addresses a NoC endpoint by grid coordinate (spec.md §3).
type Core struct {
	X, Y uint32
}

// PCIeProtocol turns write_to_device/read_from_device calls into
// configure(window)+memcpy steps, per spec.md §4.4: a static TLB fast path
// when one is permanently bound to a core, and a dynamic TLB slow path
// (mutex-guarded, reconfigured per call) otherwise.
type PCIeProtocol struct {
	kd      *KernelDevice
	caps    archspec.Capability
	locks   *lock.Manager
	chipKey string // identifies this chip for the TT_DEVICE_IO mutex name

	mu          sync.Mutex
	static      map[Core]*TLBWindow
	dynamic     []*TLBWindow // pool of shared dynamic windows
	dynamicSize archspec.TLBSizeClass

	log ttlog.Logger
}

// NewPCIeProtocol constructs the protocol layer over an open kernel device.
// dynamicPoolSize is the number of dynamic TLB windows to allocate up front.
// Dynamic accesses use only the first window of the pool, and an exhausted
// aperture is not retried (see acquireDynamic).
func NewPCIeProtocol(kd *KernelDevice, caps archspec.Capability, locks *lock.Manager, chipKey string, dynamicPoolSize int, dynamicSize archspec.TLBSizeClass) (*PCIeProtocol, error) {
	p := &PCIeProtocol{
		kd:          kd,
		caps:        caps,
		locks:       locks,
		chipKey:     chipKey,
		static:      make(map[Core]*TLBWindow),
		dynamicSize: dynamicSize,
		log:         ttlog.AddContext(ttlog.Ctx{"chip": chipKey}),
	}

	for i := 0; i < dynamicPoolSize; i++ {
		h, err := AllocateTLB(kd, dynamicSize, WithWC())
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("allocate dynamic tlb %d/%d: %w", i+1, dynamicPoolSize, err)
		}

		p.dynamic = append(p.dynamic, NewWindow(h))
	}

	return p, nil
}

// Close releases every TLB window this protocol layer owns.
func (p *PCIeProtocol) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.static {
		_ = w.Handle().Release()
	}

	for _, w := range p.dynamic {
		_ = w.Handle().Release()
	}

	p.static = nil
	p.dynamic = nil
}

// BindStatic permanently configures a TLB for core so future accesses skip
// the TT_DEVICE_IO mutex and ioctl entirely (spec.md §4.4 step 1).
func (p *PCIeProtocol) BindStatic(core Core, size archspec.TLBSizeClass, baseAddr uint64) error {
	h, err := AllocateTLB(p.kd, size)
	if err != nil {
		return fmt.Errorf("bind static tlb for core (%d,%d): %w", core.X, core.Y, err)
	}

	cfg := NocConfig{XStart: core.X, YStart: core.Y, XEnd: core.X, YEnd: core.Y, Addr: baseAddr, Ordering: OrderingRelaxed}
	if err := h.Configure(cfg); err != nil {
		_ = h.Release()
		return err
	}

	p.mu.Lock()
	p.static[core] = NewWindow(h)
	p.mu.Unlock()

	return nil
}

func pageBase(addr uint64, size archspec.TLBSizeClass) uint64 {
	sz := uint64(size)
	return (addr / sz) * sz
}

// staticFastPath returns the window bound to core if the requested access
// falls inside its currently configured page.
func (p *PCIeProtocol) staticFastPath(core Core, addr uint64, size uint64) *TLBWindow {
	p.mu.Lock()
	w, ok := p.static[core]
	p.mu.Unlock()

	if !ok {
		return nil
	}

	base := w.Handle().Config().Addr
	winSize := w.Handle().Len()
	offset := addr - base
	if addr < base || offset+size > winSize {
		return nil
	}

	return w
}

// acquireDynamic acquires the TT_DEVICE_IO mutex and returns a dynamic
// window reconfigured to cover (core, addr). Every dynamic access uses the
// pool's first window, serialized by the TT_DEVICE_IO mutex; no window is
// released and nothing is retried. If the pool is empty (zero windows
// allocated) the call fails with ErrApertureExhausted.
func (p *PCIeProtocol) acquireDynamic(core Core, addr uint64, ordering Ordering) (*TLBWindow, lock.Guard, error) {
	guard, err := p.locks.Acquire(lock.TTDeviceIO, p.chipKey)
	if err != nil {
		return nil, lock.Guard{}, fmt.Errorf("acquire TT_DEVICE_IO for %s: %w", p.chipKey, err)
	}

	p.mu.Lock()
	if len(p.dynamic) == 0 {
		p.mu.Unlock()
		guard.Release()
		return nil, lock.Guard{}, fmt.Errorf("no dynamic tlb windows configured: %w", tterr.ErrApertureExhausted)
	}
	w := p.dynamic[0]
	p.mu.Unlock()

	base := pageBase(addr, p.dynamicSize)
	cfg := NocConfig{XStart: core.X, YStart: core.Y, XEnd: core.X, YEnd: core.Y, Addr: base, Ordering: ordering}
	if err := w.Handle().Configure(cfg); err != nil {
		guard.Release()
		return nil, lock.Guard{}, err
	}

	return w, guard, nil
}

// WriteToDevice implements spec.md §4.4's write_to_device.
func (p *PCIeProtocol) WriteToDevice(core Core, addr uint64, src []byte) error {
	return p.accessBlocks(core, addr, uint64(len(src)), OrderingRelaxed, func(w *TLBWindow, winOff, chunkOff, n uint64) error {
		return w.WriteBlock(winOff, src[chunkOff:chunkOff+n])
	})
}

// ReadFromDevice implements spec.md §4.4's read_from_device.
func (p *PCIeProtocol) ReadFromDevice(core Core, addr uint64, dst []byte) error {
	return p.accessBlocks(core, addr, uint64(len(dst)), OrderingRelaxed, func(w *TLBWindow, winOff, chunkOff, n uint64) error {
		return w.ReadBlock(winOff, dst[chunkOff:chunkOff+n])
	})
}

// WriteToDeviceReg routes through the UC register path (spec.md §4.7).
func (p *PCIeProtocol) WriteToDeviceReg(core Core, addr uint64, v uint32) error {
	if fast := p.staticFastPath(core, addr, 4); fast != nil {
		return fast.WriteRegister(addr-fast.Handle().Config().Addr, v)
	}

	w, guard, err := p.acquireDynamic(core, addr, OrderingStrict)
	if err != nil {
		return err
	}
	defer guard.Release()

	return w.WriteRegister(addr-w.Handle().Config().Addr, v)
}

// ReadFromDeviceReg routes through the UC register path (spec.md §4.7).
func (p *PCIeProtocol) ReadFromDeviceReg(core Core, addr uint64) (uint32, error) {
	if fast := p.staticFastPath(core, addr, 4); fast != nil {
		return fast.ReadRegister(addr - fast.Handle().Config().Addr)
	}

	w, guard, err := p.acquireDynamic(core, addr, OrderingStrict)
	if err != nil {
		return 0, err
	}
	defer guard.Release()

	return w.ReadRegister(addr - w.Handle().Config().Addr)
}

type blockAccessor func(w *TLBWindow, winOff, chunkOff, n uint64) error

// accessBlocks implements spec.md §4.4's strategy: static fast path when
// the whole access fits inside an already-bound page, else acquire a
// dynamic window per page-sized chunk, iterating for blocks that span more
// than one page. Misaligned multi-byte blocks fail with InvalidAlignment
// unless the 32-byte block-mode alignment rule is satisfied or the access
// is a single word, per spec.md §4.4.
func (p *PCIeProtocol) accessBlocks(core Core, addr uint64, size uint64, ordering Ordering, do blockAccessor) error {
	if size > 4 && addr%32 != 0 {
		return fmt.Errorf("block access addr=%d size=%d: %w", addr, size, tterr.ErrInvalidAlignment)
	}

	if fast := p.staticFastPath(core, addr, size); fast != nil {
		return do(fast, addr-fast.Handle().Config().Addr, 0, size)
	}

	var off uint64
	for off < size {
		w, guard, err := p.acquireDynamic(core, addr+off, ordering)
		if err != nil {
			return err
		}

		winBase := w.Handle().Config().Addr
		winLen := w.Handle().Len()
		avail := winLen - (addr + off - winBase)
		n := size - off
		if n > avail {
			n = avail
		}

		err = do(w, addr+off-winBase, off, n)
		guard.Release()
		if err != nil {
			return err
		}

		off += n
	}

	return nil
}
