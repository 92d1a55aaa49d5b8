// Package device implements the kernel-device handle, TLB handle/window and
// PCIe protocol layers of spec.md §4.2-§4.4: the mechanism by which a raw
// character device becomes typed, bounds-checked access into a chip's NoC
// address space.
package device

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tenstorrent/go-umd/internal/tterr"
	"github.com/tenstorrent/go-umd/internal/ttlog"
)

// ioctl command numbers. Real values come from the kernel driver's UAPI
// header; these are placeholders of the right shape (_IOWR-style encoding)
// so the call sites compile and document the exact semantics spec.md §6
// requires of the kernel interface.
const (
	ioctlAllocateTLB  = 0xC0105401
	ioctlConfigureTLB = 0xC0205402
	ioctlFreeTLB      = 0xC0105403
	ioctlAllocateDMA  = 0xC0205404
	ioctlGetDeviceInfo = 0xC0205405
	ioctlResetDevice  = 0x00005406
	ioctlTriggerDMA   = 0xC0205407
)

// NocConfig is the wire shape of tenstorrent_noc_tlb_config (spec.md §6):
// what a TLB aperture is programmed to translate to.
type NocConfig struct {
	XStart     uint32
	YStart     uint32
	XEnd       uint32
	YEnd       uint32
	Addr       uint64
	Ordering   Ordering
	Multicast  bool
	NocSel     uint32
	StaticVC   uint32
	Linked     bool
	LocalOffset uint64
}

// Ordering selects between the relaxed and strict posted-write semantics
// spec.md §4.3 describes for the window layer.
type Ordering int

const (
	OrderingRelaxed Ordering = iota
	OrderingStrict
)

// DeviceInfo is the result of the kernel's device-info ioctl (spec.md §6).
type DeviceInfo struct {
	VendorID         uint16
	DeviceID         uint16
	PCIBusDevFn      string
	MaxDMABufSizeLog2 uint32
}

// KernelDevice wraps one open character-device file descriptor and exposes
// the ioctl surface spec.md §4.2 specifies: allocate/configure/free TLB,
// allocate a DMA buffer, and enumerate devices (which is a package-level
// function, since it does not require an open handle — see EnumerateDevices).
type KernelDevice struct {
	index int
	fd    int
	log   ttlog.Logger

	info DeviceInfo
}

// devicePathFormat is the kernel's character-device naming scheme; real
// deployments see /dev/tenstorrent/0, /dev/tenstorrent/1, ...
const devicePathFormat = "/dev/tenstorrent/%d"

// Open opens the character device for PCIe device index idx. It queries
// device info immediately so callers fail fast on a kernel driver that is
// missing the ioctls this package depends on (spec.md §6: "tolerate absent
// ioctl numbers by refusing to initialize rather than misbehaving").
func Open(idx int) (*KernelDevice, error) {
	path := fmt.Sprintf(devicePathFormat, idx)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, tterr.ErrDeviceGone)
	}

	kd := &KernelDevice{
		index: idx,
		fd:    fd,
		log:   ttlog.AddContext(ttlog.Ctx{"device": idx}),
	}

	info, err := kd.queryDeviceInfo()
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("query device info on %s: %w", path, err)
	}

	kd.info = info
	kd.log.Debug("opened kernel device", ttlog.Ctx{"vendor": info.VendorID, "device": info.DeviceID})

	return kd, nil
}

// Close releases the file descriptor. Any TLB handle still mapped against
// this fd continues to be valid in the calling process per spec.md §3's
// refcount invariant, but no new ioctls can be issued through it.
func (d *KernelDevice) Close() error {
	return unix.Close(d.fd)
}

// Index returns the PCIe device index this handle was opened against.
func (d *KernelDevice) Index() int { return d.index }

// Info returns the cached device-info query result.
func (d *KernelDevice) Info() DeviceInfo { return d.info }

// Fd returns the raw file descriptor, needed by mmap call sites in tlb_handle.go.
func (d *KernelDevice) Fd() int { return d.fd }

func (d *KernelDevice) queryDeviceInfo() (DeviceInfo, error) {
	var raw struct {
		VendorID    uint16
		DeviceID    uint16
		Domain      uint16
		Bus         uint8
		Slot        uint8
		Function    uint8
		MaxDMALog2  uint32
	}

	if err := ioctl(d.fd, ioctlGetDeviceInfo, uintptrOf(&raw)); err != nil {
		return DeviceInfo{}, err
	}

	return DeviceInfo{
		VendorID:          raw.VendorID,
		DeviceID:          raw.DeviceID,
		PCIBusDevFn:       fmt.Sprintf("%04x:%02x:%02x.%x", raw.Domain, raw.Bus, raw.Slot, raw.Function),
		MaxDMABufSizeLog2: raw.MaxDMALog2,
	}, nil
}

// allocateTLBResult mirrors tenstorrent_allocate_tlb_out (spec.md §6).
type allocateTLBResult struct {
	ID            uint32
	MmapOffsetUC  uint64
	MmapOffsetWC  uint64
}

// allocateTLB reserves one aperture of the given byte size.
func (d *KernelDevice) allocateTLB(size uint64) (allocateTLBResult, error) {
	req := struct {
		Size uint64
		Out  allocateTLBResult
	}{Size: size}

	if err := ioctl(d.fd, ioctlAllocateTLB, uintptrOf(&req)); err != nil {
		return allocateTLBResult{}, fmt.Errorf("allocate tlb size=%d: %w", size, tterr.ErrApertureExhausted)
	}

	return req.Out, nil
}

// configureTLB programs aperture id to translate to cfg.
func (d *KernelDevice) configureTLB(id uint32, cfg NocConfig) error {
	req := struct {
		ID     uint32
		Config NocConfig
	}{ID: id, Config: cfg}

	if err := ioctl(d.fd, ioctlConfigureTLB, uintptrOf(&req)); err != nil {
		return fmt.Errorf("configure tlb id=%d: %w", id, tterr.ErrKernelIoctlFailed)
	}

	return nil
}

// freeTLB releases aperture id back to the kernel. Safe to call once all
// mmaps against it have been unmapped; the kernel itself refcounts the
// underlying mapping, per spec.md §3.
func (d *KernelDevice) freeTLB(id uint32) error {
	if err := ioctl(d.fd, ioctlFreeTLB, uintptrOf(&id)); err != nil {
		return fmt.Errorf("free tlb id=%d: %w", id, tterr.ErrKernelIoctlFailed)
	}

	return nil
}

// dmaBufferResult mirrors the kernel's allocate_dma_buf output (spec.md §6).
type dmaBufferResult struct {
	VirtualAddr  uint64
	DeviceIOAddr uint64
	Size         uint64
}

// AllocateDMABuffer reserves the single DMA aperture for channel. It takes
// no lock itself; chip.LocalChip calls it lazily from whichever of its DMA or
// sysmem methods runs first, and only the DMA methods hold PCIE_DMA then.
func (d *KernelDevice) AllocateDMABuffer(size uint64, channel uint32) (DMABuffer, error) {
	req := struct {
		Size    uint64
		Channel uint32
		Out     dmaBufferResult
	}{Size: size, Channel: channel}

	if err := ioctl(d.fd, ioctlAllocateDMA, uintptrOf(&req)); err != nil {
		return DMABuffer{}, fmt.Errorf("allocate dma buffer size=%d channel=%d: %w", size, channel, tterr.ErrOutOfMemory)
	}

	return DMABuffer{
		VirtualAddr:  req.Out.VirtualAddr,
		DeviceIOAddr: req.Out.DeviceIOAddr,
		Length:       req.Out.Size,
	}, nil
}

// DMABuffer is the result of allocating the chip's single reserved DMA
// aperture (spec.md §4.3, §4.7). VirtualAddr is the mmap(2) offset the
// caller passes to MapDMABuffer, mirroring the TLB aperture's
// mmap-offset-then-mmap convention rather than a ready-made pointer.
type DMABuffer struct {
	VirtualAddr  uint64
	DeviceIOAddr uint64
	Length       uint64
}

// MapDMABuffer establishes the process mapping for buf. The staging bytes
// a DMA transfer reads from or writes into live in the returned slice.
func (d *KernelDevice) MapDMABuffer(buf DMABuffer) ([]byte, error) {
	base, err := unix.Mmap(d.fd, int64(buf.VirtualAddr), int(buf.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap dma buffer: %w", tterr.ErrOutOfMemory)
	}

	return base, nil
}

// UnmapDMABuffer releases a mapping returned by MapDMABuffer.
func (d *KernelDevice) UnmapDMABuffer(base []byte) error {
	return unix.Munmap(base)
}

// TriggerDMA kicks off a transfer of length bytes through the DMA engine on
// channel, in the direction toDevice indicates. The staging bytes must
// already be in the DMA buffer's mapped memory (chip.LocalChip copies into
// it before calling this). Mirrors spec.md §6's allocate_dma_buf-adjacent
// kernel surface: the driver owns the actual engine kick, UMD only supplies
// channel/address/length/direction.
func (d *KernelDevice) TriggerDMA(channel uint32, deviceIOAddr, length uint64, toDevice bool) error {
	req := struct {
		Channel      uint32
		ToDevice     uint32
		DeviceIOAddr uint64
		Length       uint64
	}{Channel: channel, DeviceIOAddr: deviceIOAddr, Length: length}

	if toDevice {
		req.ToDevice = 1
	}

	if err := ioctl(d.fd, ioctlTriggerDMA, uintptrOf(&req)); err != nil {
		return fmt.Errorf("trigger dma channel=%d length=%d: %w", channel, length, tterr.ErrKernelIoctlFailed)
	}

	return nil
}

// Reset issues the kernel's device-reset ioctl.
func (d *KernelDevice) Reset() error {
	if err := ioctl(d.fd, ioctlResetDevice, 0); err != nil {
		return fmt.Errorf("reset device %d: %w", d.index, tterr.ErrKernelIoctlFailed)
	}

	return nil
}
