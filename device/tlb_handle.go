package device

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tenstorrent/go-umd/archspec"
	"github.com/tenstorrent/go-umd/internal/revert"
	"github.com/tenstorrent/go-umd/internal/tterr"
	"github.com/tenstorrent/go-umd/internal/ttlog"
)

// HandleState is the TLB handle lifecycle spec.md §3 describes.
type HandleState int

const (
	StateUnallocated HandleState = iota
	StateAllocatedUnconfigured
	StateConfigured
)

// TLBHandle is one kernel-allocated aperture: allocate, configure, map,
// release. Grounded on original_source/device/tt_device/tlb_handle.cpp.
type TLBHandle struct {
	kd   *KernelDevice
	log  ttlog.Logger

	id     uint32
	size   uint64
	state  HandleState
	config NocConfig

	baseUC []byte
	baseWC []byte
}

// AllocateOption configures an AllocateTLB call; see WithWC.
type AllocateOption func(*allocateOptions)

type allocateOptions struct {
	wc bool
}

// WithWC requests the write-combined mapping be established in addition to
// the always-present uncached mapping (spec.md §4.3).
func WithWC() AllocateOption {
	return func(o *allocateOptions) { o.wc = true }
}

// AllocateTLB reserves one aperture of the requested size class and maps its
// uncached page (always) and write-combined page (if WithWC is passed).
func AllocateTLB(kd *KernelDevice, size archspec.TLBSizeClass, opts ...AllocateOption) (*TLBHandle, error) {
	o := allocateOptions{}
	for _, apply := range opts {
		apply(&o)
	}

	rv := revert.New()
	defer rv.Fail()

	res, err := kd.allocateTLB(uint64(size))
	if err != nil {
		return nil, err
	}

	h := &TLBHandle{
		kd:    kd,
		log:   ttlog.AddContext(ttlog.Ctx{"device": kd.Index(), "tlb_id": res.ID, "size": uint64(size)}),
		id:    res.ID,
		size:  uint64(size),
		state: StateAllocatedUnconfigured,
	}
	rv.Add(func() { _ = kd.freeTLB(res.ID) })

	uc, err := unix.Mmap(kd.Fd(), int64(res.MmapOffsetUC), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap uc tlb id=%d: %w", res.ID, tterr.ErrOutOfMemory)
	}
	rv.Add(func() { _ = unix.Munmap(uc) })
	h.baseUC = uc

	if o.wc {
		wc, err := unix.Mmap(kd.Fd(), int64(res.MmapOffsetWC), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("mmap wc tlb id=%d: %w", res.ID, tterr.ErrOutOfMemory)
		}
		rv.Add(func() { _ = unix.Munmap(wc) })
		h.baseWC = wc
	}

	h.log.Debug("tlb allocated")
	rv.Success()

	return h, nil
}

// Configure programs the aperture to translate accesses within its window
// to cfg. Idempotent: a byte-equal config is skipped without an ioctl, per
// spec.md §4.3 and original_source/device/tt_device/tlb_handle.cpp.
func (h *TLBHandle) Configure(cfg NocConfig) error {
	if h.state == StateConfigured && cfg == h.config {
		return nil
	}

	if err := h.kd.configureTLB(h.id, cfg); err != nil {
		return err
	}

	h.config = cfg
	h.state = StateConfigured
	h.log.Debug("tlb configured", ttlog.Ctx{"x": cfg.XStart, "y": cfg.YStart, "addr": cfg.Addr})

	return nil
}

// GetBase returns the mapped uncached base address (as a byte slice view of
// the aperture) and the write-combined base if it was requested.
func (h *TLBHandle) GetBase() []byte   { return h.baseUC }
func (h *TLBHandle) GetBaseWC() []byte { return h.baseWC }
func (h *TLBHandle) Len() uint64       { return h.size }
func (h *TLBHandle) ID() uint32        { return h.id }
func (h *TLBHandle) Config() NocConfig { return h.config }
func (h *TLBHandle) State() HandleState { return h.state }

// Release unmaps the aperture and frees it back to the kernel. Per spec.md
// §3, while any other process holds an mmap against this aperture id the
// kernel keeps the underlying allocation alive by refcount; Release only
// drops this process's reference.
func (h *TLBHandle) Release() error {
	if h.baseWC != nil {
		_ = unix.Munmap(h.baseWC)
		h.baseWC = nil
	}

	if h.baseUC != nil {
		if err := unix.Munmap(h.baseUC); err != nil {
			return fmt.Errorf("munmap tlb id=%d: %w", h.id, err)
		}
		h.baseUC = nil
	}

	if err := h.kd.freeTLB(h.id); err != nil {
		return err
	}

	h.state = StateUnallocated
	h.log.Debug("tlb released")

	return nil
}
