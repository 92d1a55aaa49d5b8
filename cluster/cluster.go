// Package cluster implements spec.md §4.8: the Cluster façade that drives
// one topology discovery run and then owns every chip it finds for the
// life of the process.
package cluster

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/tenstorrent/go-umd/archspec"
	"github.com/tenstorrent/go-umd/chip"
	"github.com/tenstorrent/go-umd/device"
	"github.com/tenstorrent/go-umd/internal/ttlog"
	"github.com/tenstorrent/go-umd/lock"
	"github.com/tenstorrent/go-umd/noc"
	"github.com/tenstorrent/go-umd/remote"
	"github.com/tenstorrent/go-umd/topology"
)

// Options configures one Cluster construction.
type Options struct {
	// AllowedBoardIDs restricts discovery to remote boards whose 32-bit
	// board id appears here. With a nil/empty slice no board id is allowed:
	// every active Ethernet link is recorded as an external connection and
	// no remote chip is discovered.
	AllowedBoardIDs []uint32

	// Galaxy marks this host as a 6U galaxy enclosure, gating topology's
	// Ethernet-coordinate step and post-pass (spec.md §4.6 steps 2 and 5).
	Galaxy bool

	// EthFWVersion is the Ethernet firmware version word used to resolve
	// the node_info/eth_conn_info/results_buf offset table once, up front.
	// original_source/device/topology_discovery.cpp reads this from ARC
	// telemetry on the first enumerated chip; go-umd takes it as an
	// explicit option since the telemetry-entry protocol this needs is not
	// otherwise wired. Defaults to a version recent enough
	// to select the >=6.12.0 offset layout.
	EthFWVersion uint32

	// DynamicTLBPoolSize and DynamicTLBSize configure each LocalChip's
	// PCIeProtocol dynamic-window pool (spec.md §4.4).
	DynamicTLBPoolSize int
	DynamicTLBSize     archspec.TLBSizeClass
}

const defaultEthFWVersion = 0x070000

func (o Options) withDefaults() Options {
	if o.EthFWVersion == 0 {
		o.EthFWVersion = defaultEthFWVersion
	}
	if o.DynamicTLBPoolSize == 0 {
		o.DynamicTLBPoolSize = 8
	}
	if o.DynamicTLBSize == 0 {
		o.DynamicTLBSize = archspec.TLB2M
	}

	return o
}

// Cluster owns every chip discovered on the host plus the descriptor that
// explains how they connect, per spec.md §4.8.
type Cluster struct {
	descriptor *Descriptor
	chips      map[ChipID]chip.Chip
	locks      *lock.Manager
	log        ttlog.Logger
}

// ethCoreLayout returns a synthetic placeholder row of Ethernet core
// coordinates, one per channel the architecture's NocParams reports.
// Physical Ethernet core placement is board-specific data that normally
// comes from a parsed SoC descriptor; that parser is out of scope here
// (spec.md's non-goals exclude firmware/image parsing), so go-umd numbers
// channels along a single logical row instead (documented in DESIGN.md).
func ethCoreLayout(caps archspec.Capability) []device.Core {
	n := caps.NocParams().NumEthChannels
	cores := make([]device.Core, n)
	for i := 0; i < n; i++ {
		cores[i] = device.Core{X: uint32(i), Y: 0}
	}

	return cores
}

func readWordAt(c chip.Chip, core device.Core, addr uint64) (uint32, error) {
	buf := make([]byte, 4)
	if err := c.ReadFromDevice(core, addr, buf); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf), nil
}

// probeAddr resolves a Probe/channel pair to a byte address within a
// gateway's Ethernet core local memory. Grounded on
// original_source/device/topology_discovery.cpp's read_port_status,
// get_remote_board_id and get_remote_asic_id: "remote board id" and the low
// half of "remote asic id" are deliberately the same word.
func probeAddr(t topology.EthAddressTable, p topology.Probe, channel int) uint64 {
	switch p {
	case topology.ProbePortStatus:
		return t.EthConnInfo + 4*uint64(channel)
	case topology.ProbeRemoteBoardID, topology.ProbeRemoteAsicIDLo:
		return t.ResultsBuf + 4*t.RemoteBoardIDLoOffset
	case topology.ProbeRemoteAsicIDHi:
		return t.ResultsBuf + 4*(t.RemoteBoardIDLoOffset+1)
	case topology.ProbeRemoteEthChannel:
		return t.ResultsBuf + 4*t.RemoteEthIDOffset
	default:
		return t.ResultsBuf
	}
}

// rackWordIndex/shelfWordIndex are node_info word indices get_remote_eth_coord
// and get_local_eth_coord read (original_source/device/topology_discovery.cpp);
// localEthCoordWordOffset is added to node_info as a byte offset.
const (
	rackWordIndex  = 10
	shelfWordIndex = 9
	localEthCoordWordOffset = 8
)

// NewCluster enumerates PCIe devices, runs topology discovery over them and
// returns a Cluster owning every chip found, per spec.md §4.6-§4.8.
func NewCluster(opts Options) (*Cluster, error) {
	opts = opts.withDefaults()
	locks := lock.NewManager()
	log := ttlog.AddContext(ttlog.Ctx{"component": "cluster"})

	indices, err := device.EnumerateDevices()
	if err != nil {
		return nil, fmt.Errorf("enumerate pcie devices: %w", err)
	}

	addrTable, err := topology.AddressTableFor(opts.EthFWVersion)
	if err != nil {
		return nil, fmt.Errorf("resolve ethernet address table: %w", err)
	}

	type opened struct {
		kd   *device.KernelDevice
		caps archspec.Capability
	}

	preopened := make(map[int]opened, len(indices))
	var candidates []topology.Candidate
	var defaultCaps archspec.Capability

	for _, idx := range indices {
		kd, err := device.Open(idx)
		if err != nil {
			return nil, fmt.Errorf("open device %d: %w", idx, err)
		}

		arch, err := device.ArchFromDeviceID(kd.Info().DeviceID)
		if err != nil {
			_ = kd.Close()
			return nil, fmt.Errorf("identify architecture of device %d: %w", idx, err)
		}

		caps, err := archspec.For(arch)
		if err != nil {
			_ = kd.Close()
			return nil, err
		}

		preopened[idx] = opened{kd: kd, caps: caps}
		if defaultCaps == nil {
			defaultCaps = caps
		}

		candidates = append(candidates, topology.Candidate{
			PCIeIndex: idx,
			Arch:      arch,
			EthCores:  ethCoreLayout(caps),
		})
	}

	openGateway := func(cand topology.Candidate) (chip.Chip, error) {
		pre := preopened[cand.PCIeIndex]
		chipKey := fmt.Sprintf("pcie%d", cand.PCIeIndex)

		proto, err := device.NewPCIeProtocol(pre.kd, pre.caps, locks, chipKey, opts.DynamicTLBPoolSize, opts.DynamicTLBSize)
		if err != nil {
			return nil, fmt.Errorf("construct pcie protocol for device %d: %w", cand.PCIeIndex, err)
		}

		info := chip.Info{ChipUID: uint64(pre.kd.Info().VendorID)<<16 | uint64(pre.kd.Info().DeviceID)}

		return chip.NewLocalChip(chipKey, pre.kd, proto, locks, pre.caps, info), nil
	}

	readWord := func(c chip.Chip, ethCore device.Core, p topology.Probe, channel int) (uint32, error) {
		return readWordAt(c, ethCore, probeAddr(addrTable, p, channel))
	}

	localEthCoord := func(c chip.Chip, ethCore device.Core) (noc.EthCoord, error) {
		raw, err := readWordAt(c, ethCore, addrTable.NodeInfo+localEthCoordWordOffset)
		if err != nil {
			return noc.EthCoord{}, err
		}

		return noc.EthCoord{
			X:     int((raw >> 16) & 0xFF),
			Y:     int((raw >> 24) & 0xFF),
			Rack:  int(raw & 0xFF),
			Shelf: int((raw >> 8) & 0xFF),
		}, nil
	}

	openRemote := func(gateway chip.Chip, ethCore device.Core) (chip.Chip, uint64, noc.EthCoord, chip.Info, []device.Core, error) {
		rackWord, err := readWordAt(gateway, ethCore, addrTable.NodeInfo+4*rackWordIndex)
		if err != nil {
			return nil, 0, noc.EthCoord{}, chip.Info{}, nil, err
		}
		shelfWord, err := readWordAt(gateway, ethCore, addrTable.NodeInfo+4*shelfWordIndex)
		if err != nil {
			return nil, 0, noc.EthCoord{}, chip.Info{}, nil, err
		}

		loc := noc.EthCoord{
			Rack:  int(rackWord & 0xFF),
			Shelf: int((rackWord >> 8) & 0xFF),
			X:     int((shelfWord >> 16) & 0x3F),
			Y:     int((shelfWord >> 22) & 0x3F),
		}

		hi, err := readWordAt(gateway, ethCore, probeAddr(addrTable, topology.ProbeRemoteAsicIDHi, 0))
		if err != nil {
			return nil, 0, noc.EthCoord{}, chip.Info{}, nil, err
		}
		lo, err := readWordAt(gateway, ethCore, probeAddr(addrTable, topology.ProbeRemoteAsicIDLo, 0))
		if err != nil {
			return nil, 0, noc.EthCoord{}, chip.Info{}, nil, err
		}
		asicID := uint64(hi)<<32 | uint64(lo)

		boardTypeWord, err := readWordAt(gateway, ethCore, addrTable.ResultsBuf+4*addrTable.RemoteBoardTypeOffset)
		if err != nil {
			return nil, 0, noc.EthCoord{}, chip.Info{}, nil, err
		}

		chipKey := fmt.Sprintf("remote%016x", asicID)
		// gateway (chip.Chip) satisfies remote.LocalAccess directly: both
		// declare the same ReadFromDevice/WriteToDevice signatures.
		transport := remote.NewTransport(chipKey, gateway, locks, defaultCaps)
		info := chip.Info{BoardType: fmt.Sprintf("%#x", boardTypeWord), ChipUID: asicID}

		// Reuse the same synthetic channel layout as a gateway's own
		// EthCores (see ethCoreLayout) so the remote chip can re-probe its
		// own ports once discovery pops it off the worklist — without this
		// a remote chip never gets a chance to report its link back to the
		// gateway, and that edge never closes from its side.
		remoteEthCores := ethCoreLayout(defaultCaps)

		return chip.NewRemoteChip(chipKey, loc, transport, locks, defaultCaps, info), asicID, loc, info, remoteEthCores, nil
	}

	localAsicID := func(c chip.Chip, ethCore device.Core) (uint64, error) {
		lo, err := readWordAt(c, ethCore, addrTable.ResultsBuf+4*addrTable.LocalBoardIDLoOffset)
		if err != nil {
			return 0, err
		}
		hi, err := readWordAt(c, ethCore, addrTable.ResultsBuf+4*(addrTable.LocalBoardIDLoOffset+1))
		if err != nil {
			return 0, err
		}

		return uint64(hi)<<32 | uint64(lo), nil
	}

	discoverer := topology.NewDiscoverer(openGateway, openRemote, readWord, localEthCoord, localAsicID, locks)
	discoverer.SetGalaxy(opts.Galaxy)

	result, err := discoverer.Run(candidates, opts.AllowedBoardIDs)
	if err != nil {
		for _, pre := range preopened {
			_ = pre.kd.Close()
		}

		return nil, fmt.Errorf("topology discovery: %w", err)
	}

	return &Cluster{
		descriptor: result.Descriptor,
		chips:      result.Chips,
		locks:      locks,
		log:        log,
	}, nil
}

// Descriptor returns the cluster descriptor this Cluster was built from.
func (cl *Cluster) Descriptor() *Descriptor { return cl.descriptor }

// GetChip returns the chip with the given id, or false if none exists.
func (cl *Cluster) GetChip(id ChipID) (chip.Chip, bool) {
	c, ok := cl.chips[id]
	return c, ok
}

// ChipIDs returns every discovered chip id in ascending order.
func (cl *Cluster) ChipIDs() []ChipID {
	ids := make([]ChipID, 0, len(cl.chips))
	for id := range cl.chips {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// ForEachChip applies fn to every chip concurrently and returns the first
// error encountered, canceling ctx for the rest (spec.md §4.8's fan-out
// convenience operation), mirroring the teacher's errgroup-based per-member
// operation loop.
func (cl *Cluster) ForEachChip(ctx context.Context, fn func(ctx context.Context, id ChipID, c chip.Chip) error) error {
	g, gctx := errgroup.WithContext(ctx)

	for id, c := range cl.chips {
		id, c := id, c
		g.Go(func() error { return fn(gctx, id, c) })
	}

	return g.Wait()
}

// ForEachMMIOChip is ForEachChip restricted to MMIO-capable (gateway) chips.
func (cl *Cluster) ForEachMMIOChip(ctx context.Context, fn func(ctx context.Context, id ChipID, c chip.Chip) error) error {
	g, gctx := errgroup.WithContext(ctx)

	for id, c := range cl.chips {
		if !c.IsMMIOCapable() {
			continue
		}

		id, c := id, c
		g.Go(func() error { return fn(gctx, id, c) })
	}

	return g.Wait()
}

// Close tears the cluster down: remote chips first, then local gateways,
// per spec.md §4.8 ("remote chips closed before local gateways" — a remote
// chip's transport may still use the gateway's PCIe protocol during its own
// teardown, so the gateway must outlive it).
func (cl *Cluster) Close() error {
	var errs []error

	for _, id := range cl.ChipIDs() {
		c := cl.chips[id]
		if c.IsMMIOCapable() {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	for _, id := range cl.ChipIDs() {
		c := cl.chips[id]
		if !c.IsMMIOCapable() {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close cluster: %d chip(s) failed to close: %w", len(errs), errs[0])
	}

	return nil
}
