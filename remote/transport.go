package remote

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/tenstorrent/go-umd/archspec"
	"github.com/tenstorrent/go-umd/device"
	"github.com/tenstorrent/go-umd/internal/tterr"
	"github.com/tenstorrent/go-umd/internal/ttlog"
	"github.com/tenstorrent/go-umd/lock"
	"github.com/tenstorrent/go-umd/noc"
)

// LocalAccess is the PCIe-local read/write surface a Transport needs from
// its gateway chip: spec.md §4.5 describes the transport as "a gateway chip
// hands the request to its reserved Ethernet core" — the actual bytes to
// and from that core's local memory travel over the ordinary PCIe protocol
// layer (device.PCIeProtocol satisfies this interface).
type LocalAccess interface {
	ReadFromDevice(core device.Core, addr uint64, dst []byte) error
	WriteToDevice(core device.Core, addr uint64, src []byte) error
}

// defaultReservedCores is the default number of Ethernet cores to reserve
// for remote traffic. Transport does not fall back to it: it routes only
// through the cores installed by SetRemoteTransferEthernetCores, and with
// none installed every remote read or write fails with ErrEthernetLinkDown.
// spec.md §9 flags the
// source's NON_EPOCH_ETH_CORES_MASK=3 vs update_mask_for_chip=1 conflict as
// unresolved; go-umd parameterizes the count instead of guessing and
// documents this default (4, matching the "typically 4-6" language of
// spec.md §4.5's opening paragraph).
const defaultReservedCores = 4

// Transport implements spec.md §4.5: a request/response protocol over an
// on-die Ethernet core's local memory that tunnels reads/writes to a peer
// chip unreachable over PCIe.
type Transport struct {
	gatewayKey string // chip key for the NON_MMIO mutex name
	local      LocalAccess
	locks      *lock.Manager
	caps       archspec.Capability
	log        ttlog.Logger

	mu            sync.Mutex
	reservedCores []device.Core
	activeIdx     int
}

// NewTransport constructs a transport rooted at the given gateway chip.
// gatewayKey identifies the gateway for NON_MMIO mutex naming (spec.md §6).
func NewTransport(gatewayKey string, local LocalAccess, locks *lock.Manager, caps archspec.Capability) *Transport {
	return &Transport{
		gatewayKey: gatewayKey,
		local:      local,
		locks:      locks,
		caps:       caps,
		log:        ttlog.AddContext(ttlog.Ctx{"gateway": gatewayKey}),
	}
}

// SetRemoteTransferEthernetCores installs the set of reserved cores for
// outgoing remote traffic. Idempotent: installing the same set twice is a
// no-op, per spec.md §4.7 and §8.
func (t *Transport) SetRemoteTransferEthernetCores(cores []device.Core) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sameCores(t.reservedCores, cores) {
		return
	}

	t.reservedCores = append([]device.Core(nil), cores...)
	t.activeIdx = 0
	t.log.Debug("remote transfer ethernet cores set", ttlog.Ctx{"count": len(cores)})
}

func sameCores(a, b []device.Core) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// nextCore round-robins through the reserved set (spec.md §4.5's opening
// paragraph: "the transport round-robins through them to parallelize").
func (t *Transport) nextCore() (device.Core, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.reservedCores) == 0 {
		return device.Core{}, fmt.Errorf("no reserved ethernet cores installed: %w", tterr.ErrEthernetLinkDown)
	}

	c := t.reservedCores[t.activeIdx%len(t.reservedCores)]
	t.activeIdx++

	return c, nil
}

const dataWordSize = 4

// ringState bundles the four pointer reads the algorithm needs before it
// can decide whether the request ring is full.
type ringState struct {
	req  *Ring
	resp *Ring
}

func (t *Transport) loadRingState(ethCore device.Core) (*ringState, error) {
	eth := t.caps.EthInterfaceParams()

	reqPtrs := make([]byte, eth.RemoteUpdatePtrSizeBytes*2)
	if err := t.local.ReadFromDevice(ethCore, uint64(eth.RequestCmdQueueBase+eth.CmdCountersSizeBytes), reqPtrs); err != nil {
		return nil, fmt.Errorf("read request ring pointers: %w", err)
	}

	respWPtr := make([]byte, dataWordSize)
	if err := t.local.ReadFromDevice(ethCore, uint64(eth.ResponseCmdQueueBase+eth.CmdCountersSizeBytes), respWPtr); err != nil {
		return nil, fmt.Errorf("read response wptr: %w", err)
	}

	respRPtr := make([]byte, dataWordSize)
	respRPtrOff := uint64(eth.ResponseCmdQueueBase+eth.CmdCountersSizeBytes) + uint64(eth.RemoteUpdatePtrSizeBytes)
	if err := t.local.ReadFromDevice(ethCore, respRPtrOff, respRPtr); err != nil {
		return nil, fmt.Errorf("read response rptr: %w", err)
	}

	req := NewRing(eth.CmdBufSize, eth.CmdBufSizeMask, eth.CmdBufPtrMask)
	req.Sync(binary.LittleEndian.Uint32(reqPtrs[0:4]), binary.LittleEndian.Uint32(reqPtrs[eth.RemoteUpdatePtrSizeBytes:eth.RemoteUpdatePtrSizeBytes+4]))

	resp := NewRing(eth.CmdBufSize, eth.CmdBufSizeMask, eth.CmdBufPtrMask)
	resp.Sync(binary.LittleEndian.Uint32(respWPtr), binary.LittleEndian.Uint32(respRPtr))

	return &ringState{req: req, resp: resp}, nil
}

func (t *Transport) pollReqRPtr(ethCore device.Core, rs *ringState) error {
	eth := t.caps.EthInterfaceParams()
	rptrOff := uint64(eth.RequestCmdQueueBase+eth.CmdCountersSizeBytes) + uint64(eth.RemoteUpdatePtrSizeBytes)

	buf := make([]byte, dataWordSize)
	for rs.req.Full() {
		if err := t.local.ReadFromDevice(ethCore, rptrOff, buf); err != nil {
			return fmt.Errorf("poll request rptr: %w", err)
		}
		rs.req.Sync(rs.req.WPtr(), binary.LittleEndian.Uint32(buf))
	}

	return nil
}

// blockSizeFor computes the per-iteration block size and mode, per spec.md
// §4.5.1 step (b): misaligned addresses are forced to single-word mode.
func blockSizeFor(addr uint64, remaining, maxBlock uint32) (size uint32, singleWord bool) {
	if addr&0x1F != 0 {
		return dataWordSize, true
	}

	size = remaining
	if size > maxBlock {
		size = maxBlock
	}

	const alignMask = 3
	size = (size + alignMask) &^ alignMask

	return size, size <= dataWordSize
}

// WriteToNonMMIO implements spec.md §4.5.1: the write path.
func (t *Transport) WriteToNonMMIO(dest noc.EthCoord, destCore device.Core, addr uint64, data []byte, broadcast bool, broadcastMask []uint32) error {
	if broadcast && addr&0x1F != 0 {
		return fmt.Errorf("broadcast requires 32-byte aligned addr=%d: %w", addr, tterr.ErrInvalidAlignment)
	}

	guard, err := t.locks.Acquire(lock.NonMMIO, t.gatewayKey)
	if err != nil {
		return fmt.Errorf("acquire NON_MMIO for %s: %w", t.gatewayKey, err)
	}
	defer guard.Release()

	ethCore, err := t.nextCore()
	if err != nil {
		return err
	}

	rs, err := t.loadRingState(ethCore)
	if err != nil {
		return err
	}

	eth := t.caps.EthInterfaceParams()
	nocParams := t.caps.NocParams()
	host := t.caps.HostAddressParams()

	maxBlock := eth.MaxBlockSize
	useDRAM := len(data) > 1024
	if useDRAM {
		maxBlock = host.EthRoutingBlockSize
	}

	var offset uint32
	size := uint32(len(data))

	for offset < size {
		if err := t.pollReqRPtr(ethCore, rs); err != nil {
			return err
		}

		remaining := size - offset
		blockSize, singleWord := blockSizeFor(addr+uint64(offset), remaining, maxBlock)
		if blockSize > remaining {
			blockSize = remaining
		}

		// SysAddr packs the destination core's NoC coordinate (destCore),
		// not the chip-level dest coordinate; dest contributes only
		// Rack/Shelf here, matching the original's get_sys_addr(target_chip,
		// core) call sites (remote_communication.cpp:155-156).
		cmd := RoutingCmd{
			SysAddr: noc.SysAddr(nocParams, destCore.X, destCore.Y, addr+uint64(offset)),
			Rack:    noc.SysRack(nocParams, dest.Rack, dest.Shelf),
		}

		if singleWord {
			var word [4]byte
			copy(word[:], data[offset:offset+min32(blockSize, remaining)])
			cmd.Data = binary.LittleEndian.Uint32(word[:])
			cmd.Flags = uint32(FlagWrReq)
		} else {
			chunk := data[offset : offset+blockSize]
			bufOff := uint64(rs.req.WriteIndex()) * uint64(maxBlock)
			dataBase := eth.EthRoutingDataBufferAddr
			flagBits := FlagDataBlock | FlagWrReq
			if useDRAM {
				flagBits |= FlagDataBlockDRAM
				cmd.SrcAddrTag = uint32(bufOff >> 32)
			}

			if broadcast {
				flagBits |= FlagBroadcast
				header := make([]byte, BroadcastHeaderWords*4)
				for i, m := range broadcastMask {
					if i >= BroadcastHeaderWords {
						break
					}
					binary.LittleEndian.PutUint32(header[i*4:], m)
				}

				if err := t.local.WriteToDevice(ethCore, uint64(dataBase)+bufOff, header); err != nil {
					return fmt.Errorf("write broadcast header: %w", err)
				}
			}

			if err := t.local.WriteToDevice(ethCore, uint64(dataBase)+bufOff, chunk); err != nil {
				return fmt.Errorf("write data block: %w", err)
			}
			// sfence between data write and command write (spec.md §4.5.1.c)

			cmd.Data = blockSize
			cmd.Flags = uint32(flagBits)
		}

		cmdOff := uint64(eth.RequestCmdQueueBase) + uint64(rs.req.WriteIndex())*Size
		if err := t.writeCmd(ethCore, cmdOff, cmd); err != nil {
			return err
		}
		// sfence after command write (spec.md §4.5.1.e)

		rs.req.Advance()
		if err := t.writeWPtr(ethCore, eth.RequestCmdQueueBase+eth.CmdCountersSizeBytes, rs.req.WPtr()); err != nil {
			return err
		}
		// sfence after publishing the new wptr (spec.md §4.5.1.e)

		offset += min32(blockSize, remaining)

		if rs.req.Full() {
			if c, err := t.nextCore(); err == nil {
				ethCore = c
				rs, err = t.loadRingState(ethCore)
				if err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// ReadFromNonMMIO implements spec.md §4.5.2: the read path.
func (t *Transport) ReadFromNonMMIO(dest noc.EthCoord, srcCore device.Core, addr uint64, dst []byte) error {
	guard, err := t.locks.Acquire(lock.NonMMIO, t.gatewayKey)
	if err != nil {
		return fmt.Errorf("acquire NON_MMIO for %s: %w", t.gatewayKey, err)
	}
	defer guard.Release()

	ethCore, err := t.nextCore()
	if err != nil {
		return err
	}

	rs, err := t.loadRingState(ethCore)
	if err != nil {
		return err
	}

	eth := t.caps.EthInterfaceParams()
	nocParams := t.caps.NocParams()

	size := uint32(len(dst))
	var offset uint32

	for offset < size {
		if err := t.pollReqRPtr(ethCore, rs); err != nil {
			return err
		}

		remaining := size - offset
		blockSize, singleWord := blockSizeFor(addr+uint64(offset), remaining, eth.MaxBlockSize)
		if blockSize > remaining {
			blockSize = remaining
		}

		expectedFlags := uint32(FlagRdData)
		if !singleWord {
			expectedFlags |= uint32(FlagDataBlock)
		}

		// Same resolved ambiguity as WriteToNonMMIO: srcCore carries the
		// NoC coordinate, dest only Rack/Shelf.
		cmd := RoutingCmd{
			SysAddr: noc.SysAddr(nocParams, srcCore.X, srcCore.Y, addr+uint64(offset)),
			Rack:    noc.SysRack(nocParams, dest.Rack, dest.Shelf),
			Data:    blockSize,
		}
		if singleWord {
			cmd.Flags = uint32(FlagRdReq)
		} else {
			cmd.Flags = uint32(FlagRdReq | FlagDataBlock)
		}

		reqSlot := rs.req.WriteIndex()
		cmdOff := uint64(eth.RequestCmdQueueBase) + uint64(reqSlot)*Size
		if err := t.writeCmd(ethCore, cmdOff, cmd); err != nil {
			return err
		}

		rs.req.Advance()
		if err := t.writeWPtr(ethCore, eth.RequestCmdQueueBase+eth.CmdCountersSizeBytes, rs.req.WPtr()); err != nil {
			return err
		}

		// Poll resp_wptr until it differs from resp_rptr (spec.md §4.5.2 step 5).
		respWPtrOff := uint64(eth.ResponseCmdQueueBase + eth.CmdCountersSizeBytes)
		buf := make([]byte, 4)
		for {
			if err := t.local.ReadFromDevice(ethCore, respWPtrOff, buf); err != nil {
				return fmt.Errorf("poll response wptr: %w", err)
			}
			w := binary.LittleEndian.Uint32(buf)
			if w != rs.resp.RPtr() {
				rs.resp.Sync(w, rs.resp.RPtr())
				break
			}
		}

		// Poll the response command's flags field until it matches expected (step 6).
		respSlot := rs.resp.ReadIndex()
		flagsOff := uint64(eth.ResponseCmdQueueBase) + uint64(respSlot)*Size + 12
		var observedFlags uint32
		for {
			flagsBuf := make([]byte, 4)
			if err := t.local.ReadFromDevice(ethCore, flagsOff, flagsBuf); err != nil {
				return fmt.Errorf("poll response flags: %w", err)
			}
			observedFlags = binary.LittleEndian.Uint32(flagsBuf)
			if observedFlags == expectedFlags {
				break
			}
		}

		if singleWord {
			dataOff := uint64(eth.ResponseCmdQueueBase) + uint64(respSlot)*Size + 8
			buf4 := make([]byte, 4)
			if err := t.local.ReadFromDevice(ethCore, dataOff, buf4); err != nil {
				return fmt.Errorf("read response data word: %w", err)
			}
			copy(dst[offset:offset+blockSize], buf4)
		} else {
			blockOff := uint64(eth.EthRoutingDataBufferAddr) + uint64(respSlot)*uint64(eth.MaxBlockSize)
			if err := t.local.ReadFromDevice(ethCore, blockOff, dst[offset:offset+blockSize]); err != nil {
				return fmt.Errorf("read response data block: %w", err)
			}
		}

		rs.resp.AdvanceRead()
		respRPtrOff := uint64(eth.ResponseCmdQueueBase+eth.CmdCountersSizeBytes) + uint64(eth.RemoteUpdatePtrSizeBytes)
		if err := t.writeWPtr(ethCore, uint32(respRPtrOff), rs.resp.RPtr()); err != nil {
			return err
		}

		if observedFlags != expectedFlags {
			return fmt.Errorf("response flags=%#x expected=%#x: %w", observedFlags, expectedFlags, tterr.ErrProtocolCorruption)
		}

		offset += blockSize
	}

	return nil
}

// WaitForFlush implements spec.md §4.5.3: spin until the request ring is
// fully drained and the firmware ack counter has caught up, for every
// reserved core. No timeout at this layer per spec.md — ctx supplies one.
func (t *Transport) WaitForFlush(ctx context.Context) error {
	t.mu.Lock()
	cores := append([]device.Core(nil), t.reservedCores...)
	t.mu.Unlock()

	for _, c := range cores {
		if err := t.waitForFlushOne(ctx, c); err != nil {
			return err
		}
	}

	return nil
}

func (t *Transport) waitForFlushOne(ctx context.Context, ethCore device.Core) error {
	eth := t.caps.EthInterfaceParams()
	counters := make([]byte, 8)

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait_for_non_mmio_flush on %v: %w", ethCore, tterr.ErrTimeout)
		default:
		}

		rs, err := t.loadRingState(ethCore)
		if err != nil {
			return err
		}

		if err := t.local.ReadFromDevice(ethCore, 0, counters); err != nil {
			return fmt.Errorf("read firmware txn counters: %w", err)
		}
		sent := binary.LittleEndian.Uint32(counters[0:4])
		acked := binary.LittleEndian.Uint32(counters[4:8])

		if rs.req.Empty() && sent == acked {
			return nil
		}

		time.Sleep(time.Microsecond)
	}
}

func (t *Transport) writeCmd(ethCore device.Core, off uint64, cmd RoutingCmd) error {
	buf := make([]byte, Size)
	binary.LittleEndian.PutUint64(buf[0:8], cmd.SysAddr)
	binary.LittleEndian.PutUint32(buf[8:12], cmd.Data)
	binary.LittleEndian.PutUint32(buf[12:16], cmd.Flags)
	binary.LittleEndian.PutUint16(buf[16:18], cmd.Rack)
	binary.LittleEndian.PutUint32(buf[24:28], cmd.SrcAddrTag)

	return t.local.WriteToDevice(ethCore, off, buf)
}

func (t *Transport) writeWPtr(ethCore device.Core, off uint32, v uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)

	return t.local.WriteToDevice(ethCore, uint64(off), buf)
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}

	return b
}
