package chip

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tenstorrent/go-umd/archspec"
	"github.com/tenstorrent/go-umd/device"
	"github.com/tenstorrent/go-umd/internal/tterr"
	"github.com/tenstorrent/go-umd/internal/ttlog"
	"github.com/tenstorrent/go-umd/lock"
	"github.com/tenstorrent/go-umd/noc"
	"github.com/tenstorrent/go-umd/remote"
)

// RemoteChip is reached through a gateway LocalChip's Ethernet transport
// rather than its own PCIe handle, per spec.md §4.7. It does not own the
// gateway: closing a RemoteChip never closes the LocalChip it routes
// through, matching spec.md §4.8's teardown ordering ("remote chips before
// local gateways").
type RemoteChip struct {
	chipKey   string
	ethCoord  noc.EthCoord
	transport *remote.Transport
	locks     *lock.Manager
	caps      archspec.Capability
	info      Info
	log       ttlog.Logger
}

// NewRemoteChip constructs a chip reached at ethCoord through an existing
// transport rooted at a gateway LocalChip.
func NewRemoteChip(chipKey string, ethCoord noc.EthCoord, transport *remote.Transport, locks *lock.Manager, caps archspec.Capability, info Info) *RemoteChip {
	return &RemoteChip{
		chipKey:   chipKey,
		ethCoord:  ethCoord,
		transport: transport,
		locks:     locks,
		caps:      caps,
		info:      info,
		log:       ttlog.AddContext(ttlog.Ctx{"chip": chipKey, "remote": true}),
	}
}

func (c *RemoteChip) WriteToDevice(core device.Core, addr uint64, src []byte) error {
	return c.transport.WriteToNonMMIO(c.ethCoord, core, addr, src, false, nil)
}

func (c *RemoteChip) ReadFromDevice(core device.Core, addr uint64, dst []byte) error {
	return c.transport.ReadFromNonMMIO(c.ethCoord, core, addr, dst)
}

func (c *RemoteChip) WriteToDeviceReg(core device.Core, addr uint64, v uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)

	return c.transport.WriteToNonMMIO(c.ethCoord, core, addr, buf, false, nil)
}

func (c *RemoteChip) ReadFromDeviceReg(core device.Core, addr uint64) (uint32, error) {
	buf := make([]byte, 4)
	if err := c.transport.ReadFromNonMMIO(c.ethCoord, core, addr, buf); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf), nil
}

// WriteToSysmem/ReadFromSysmem are local-only (spec.md §4.7): a remote chip
// has no host-mapped DMA buffer of its own, only its gateway does.
func (c *RemoteChip) WriteToSysmem(channel uint32, addr uint64, src []byte) error {
	return fmt.Errorf("write_to_sysmem on remote chip %s: %w", c.chipKey, tterr.ErrUnsupportedOperation)
}

func (c *RemoteChip) ReadFromSysmem(channel uint32, addr uint64, dst []byte) error {
	return fmt.Errorf("read_from_sysmem on remote chip %s: %w", c.chipKey, tterr.ErrUnsupportedOperation)
}

// DMAWriteToDevice/DMAReadFromDevice are local-only (spec.md §4.7).
func (c *RemoteChip) DMAWriteToDevice(addr uint64, src []byte) error {
	return fmt.Errorf("dma_write_to_device on remote chip %s: %w", c.chipKey, tterr.ErrUnsupportedOperation)
}

func (c *RemoteChip) DMAReadFromDevice(addr uint64, dst []byte) error {
	return fmt.Errorf("dma_read_from_device on remote chip %s: %w", c.chipKey, tterr.ErrUnsupportedOperation)
}

// SetRemoteTransferEthernetCores installs the gateway-side reserved core
// set the transport round-robins through (spec.md §4.7). Idempotent via
// Transport.SetRemoteTransferEthernetCores.
func (c *RemoteChip) SetRemoteTransferEthernetCores(cores []device.Core) {
	c.transport.SetRemoteTransferEthernetCores(cores)
}

func (c *RemoteChip) WaitForNonMMIOFlush(ctx context.Context) error {
	return c.transport.WaitForFlush(ctx)
}

// L1Membar/DRAMMembar on a remote chip reduce to draining the transport: the
// response-flags ordering rule of spec.md §5 already guarantees per-command
// completion before data is visible, so the barrier need only wait for the
// request ring to empty.
func (c *RemoteChip) L1Membar(cores []device.Core) error {
	return c.barrier()
}

func (c *RemoteChip) DRAMMembar(cores []device.Core) error {
	return c.barrier()
}

func (c *RemoteChip) barrier() error {
	guard, err := c.locks.Acquire(lock.MemBarrier, c.chipKey)
	if err != nil {
		return fmt.Errorf("acquire MEM_BARRIER for %s: %w", c.chipKey, err)
	}
	defer guard.Release()

	return c.transport.WaitForFlush(context.Background())
}

func (c *RemoteChip) AcquireMutex(kind lock.Kind) (lock.Guard, error) {
	return c.locks.Acquire(kind, c.chipKey)
}

func (c *RemoteChip) IsMMIOCapable() bool { return false }

func (c *RemoteChip) GetChipInfo() Info { return c.info }

// Close is a no-op: a RemoteChip does not own the gateway's kernel device
// handle or protocol layer, per spec.md §4.8.
func (c *RemoteChip) Close() error { return nil }
