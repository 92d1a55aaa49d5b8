package device

import (
	"fmt"
	"time"

	"github.com/tenstorrent/go-umd/internal/tterr"
	"github.com/tenstorrent/go-umd/internal/ttlog"
	"github.com/tenstorrent/go-umd/lock"
)

// Mailbox scratch-register offsets, relative to a per-architecture mailbox
// base address. The message-code and argument registers are written first,
// then the status register is polled until the firmware clears its busy bit
// and posts a return code, mirroring the call/poll protocol
// original_source/device/arc_messenger.cpp delegates to its
// architecture-specific subclasses (not present in the retrieved pack, so
// the exact scratch-register numbers are this package's own constants
// rather than copied from a missing wormhole/blackhole_arc_messenger.cpp).
const (
	arcMsgCodeReg    = 0x0
	arcMsgArg0Reg    = 0x4
	arcMsgArg1Reg    = 0x8
	arcMsgStatusReg  = 0xC
	arcMsgReturn0Reg = 0x10
)

const arcMsgStatusBusy = uint32(0xFFFFFFFF)

const arcMsgPollInterval = 100 * time.Microsecond

// ArcMessenger serializes chip-management-firmware mailbox calls through the
// ARC_MSG mutex, per spec.md §4.1 and §6's "ARC / chip-management firmware"
// glossary entry. Grounded on
// original_source/device/arc_messenger.cpp's ArcMessenger base class: one
// mutex per chip, named from the chip's device number, acquired for the
// duration of a blocking send_message call.
type ArcMessenger struct {
	reg       *PCIeProtocol
	core      Core
	baseAddr  uint64
	locks     *lock.Manager
	chipKey   string
	returnLen int
	log       ttlog.Logger
}

// NewArcMessenger constructs a messenger addressed at the ARC mailbox
// registers (core, baseAddr). returnLen is the number of 32-bit return
// values the caller expects back (spec.md's arc_messenger.h
// return_values vector).
func NewArcMessenger(reg *PCIeProtocol, core Core, baseAddr uint64, locks *lock.Manager, chipKey string, returnLen int) *ArcMessenger {
	return &ArcMessenger{
		reg:       reg,
		core:      core,
		baseAddr:  baseAddr,
		locks:     locks,
		chipKey:   chipKey,
		returnLen: returnLen,
		log:       ttlog.AddContext(ttlog.Ctx{"chip": chipKey, "component": "arc_messenger"}),
	}
}

// SendMessage posts msgCode/arg0/arg1 to the mailbox and blocks until the
// firmware responds or timeout elapses, per arc_messenger.h's send_message:
// "blocking, timeout is to be implemented." Returns the firmware's status
// word and any requested return values.
func (a *ArcMessenger) SendMessage(msgCode uint32, arg0, arg1 uint16, timeout time.Duration) (status uint32, returnValues []uint32, err error) {
	guard, err := a.locks.Acquire(lock.ArcMsg, a.chipKey)
	if err != nil {
		return 0, nil, fmt.Errorf("acquire ARC_MSG for %s: %w", a.chipKey, err)
	}
	defer guard.Release()

	if err := a.reg.WriteToDeviceReg(a.core, a.baseAddr+arcMsgStatusReg, arcMsgStatusBusy); err != nil {
		return 0, nil, fmt.Errorf("arm busy status: %w", err)
	}

	if err := a.reg.WriteToDeviceReg(a.core, a.baseAddr+arcMsgArg0Reg, uint32(arg0)); err != nil {
		return 0, nil, fmt.Errorf("write arg0: %w", err)
	}

	if err := a.reg.WriteToDeviceReg(a.core, a.baseAddr+arcMsgArg1Reg, uint32(arg1)); err != nil {
		return 0, nil, fmt.Errorf("write arg1: %w", err)
	}

	if err := a.reg.WriteToDeviceReg(a.core, a.baseAddr+arcMsgCodeReg, msgCode); err != nil {
		return 0, nil, fmt.Errorf("post message code %#x: %w", msgCode, err)
	}

	deadline := time.Now().Add(timeout)

	for {
		status, err = a.reg.ReadFromDeviceReg(a.core, a.baseAddr+arcMsgStatusReg)
		if err != nil {
			return 0, nil, fmt.Errorf("poll status: %w", err)
		}

		if status != arcMsgStatusBusy {
			break
		}

		if time.Now().After(deadline) {
			return 0, nil, fmt.Errorf("arc message %#x on %s: %w", msgCode, a.chipKey, tterr.ErrTimeout)
		}

		time.Sleep(arcMsgPollInterval)
	}

	if a.returnLen > 0 {
		returnValues = make([]uint32, a.returnLen)
		for i := range returnValues {
			v, err := a.reg.ReadFromDeviceReg(a.core, a.baseAddr+arcMsgReturn0Reg+uint64(i*4))
			if err != nil {
				return status, nil, fmt.Errorf("read return value %d: %w", i, err)
			}
			returnValues[i] = v
		}
	}

	a.log.Debug("arc message completed", ttlog.Ctx{"msg_code": msgCode, "status": status})

	return status, returnValues, nil
}
