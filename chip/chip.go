// Package chip implements spec.md §4.7: the Chip object, which owns either
// a local device handle (LocalChip) or a remote-transport handle
// (RemoteChip) behind one interface, mirroring
// original_source/ideal_device/chip/chip.h's base class split into
// local_chip.h/remote_chip.h subclasses.
package chip

import (
	"context"

	"github.com/tenstorrent/go-umd/device"
	"github.com/tenstorrent/go-umd/lock"
)

// Info is the result of get_chip_info (spec.md §4.7).
type Info struct {
	BoardType             string
	NocTranslationEnabled bool
	HarvestingMasks       map[string]uint32
	ChipUID               uint64
}

// Chip is the uniform surface spec.md §4.7 specifies for both local and
// remote chips.
type Chip interface {
	WriteToDevice(core device.Core, addr uint64, src []byte) error
	ReadFromDevice(core device.Core, addr uint64, dst []byte) error
	WriteToDeviceReg(core device.Core, addr uint64, v uint32) error
	ReadFromDeviceReg(core device.Core, addr uint64) (uint32, error)

	// WriteToSysmem/ReadFromSysmem are local-only; a RemoteChip returns
	// ErrUnsupportedOperation, per spec.md §4.7.
	WriteToSysmem(channel uint32, addr uint64, src []byte) error
	ReadFromSysmem(channel uint32, addr uint64, dst []byte) error

	// DMAWriteToDevice/DMAReadFromDevice are local-only, guarded by the
	// PCIE_DMA mutex, per spec.md §4.7 and §5.
	DMAWriteToDevice(addr uint64, src []byte) error
	DMAReadFromDevice(addr uint64, dst []byte) error

	SetRemoteTransferEthernetCores(cores []device.Core)
	WaitForNonMMIOFlush(ctx context.Context) error
	L1Membar(cores []device.Core) error
	DRAMMembar(cores []device.Core) error

	AcquireMutex(kind lock.Kind) (lock.Guard, error)

	IsMMIOCapable() bool
	GetChipInfo() Info

	Close() error
}
