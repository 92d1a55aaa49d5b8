// Package topology implements spec.md §4.6: the fixed-point worklist
// traversal over PCIe chips and Ethernet links that produces a cluster
// descriptor. Grounded on
// original_source/device/topology_discovery.cpp's TopologyDiscovery class.
package topology

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/tenstorrent/go-umd/archspec"
	"github.com/tenstorrent/go-umd/chip"
	"github.com/tenstorrent/go-umd/cluster"
	"github.com/tenstorrent/go-umd/device"
	"github.com/tenstorrent/go-umd/internal/ttlog"
	"github.com/tenstorrent/go-umd/lock"
	"github.com/tenstorrent/go-umd/noc"
)

const (
	portUnknown     = 0
	portUnconnected = 1
)

// EthAddressTable is the per-Ethernet-firmware-version layout of node_info,
// eth_conn_info, results_buf and the word offsets within results_buf
// spec.md §4.6 step 2 names. Exported so a caller's wordReader closure
// (cluster package, which owns the live mailbox read) can resolve the right
// offsets before handing reads to Discoverer. Grounded on
// topology_discovery.cpp's get_eth_addresses: the firmware version gates
// two generations of the offset table.
type EthAddressTable struct {
	NodeInfo              uint64
	EthConnInfo           uint64
	ResultsBuf            uint64
	RemoteBoardTypeOffset uint64
	LocalBoardTypeOffset  uint64
	LocalBoardIDLoOffset  uint64
	RemoteBoardIDLoOffset uint64
	RemoteEthIDOffset     uint64
}

// AddressTableFor resolves the offset table for an Ethernet firmware
// version word, masked the way topology_discovery.cpp's get_eth_addresses
// does (low 3 bytes only).
func AddressTableFor(ethFWVersion uint32) (EthAddressTable, error) {
	masked := ethFWVersion & 0x00FFFFFF

	if masked < 0x060000 {
		return EthAddressTable{}, fmt.Errorf("unsupported ethernet firmware version %#x", ethFWVersion)
	}

	t := EthAddressTable{NodeInfo: 0x1100, EthConnInfo: 0x1200, ResultsBuf: 0x1ec0}

	if masked >= 0x06C000 {
		t.RemoteBoardTypeOffset = 77
		t.LocalBoardTypeOffset = 69
		t.RemoteBoardIDLoOffset = 72
		t.LocalBoardIDLoOffset = 64
		t.RemoteEthIDOffset = 76
	} else {
		t.RemoteBoardTypeOffset = 72
		t.LocalBoardTypeOffset = 64
		t.RemoteBoardIDLoOffset = 73
		t.LocalBoardIDLoOffset = 65
		t.RemoteEthIDOffset = 77
	}

	return t, nil
}

// Candidate is one PCIe-enumerated device discovery may open, supplied by
// the caller (cluster package) after filesystem enumeration and allow-list
// filtering per spec.md §4.6 step 1.
type Candidate struct {
	PCIeIndex int
	Arch      archspec.Arch
	EthCores  []device.Core
}

// Result is the discovery run's output: a filled descriptor plus the owned
// chip map, matching spec.md §4.8's "stores the descriptor and the owned
// chip map".
type Result struct {
	Descriptor *cluster.Descriptor
	Chips      map[cluster.ChipID]chip.Chip
}

// gatewayOpener constructs a LocalChip for a PCIe candidate.
type gatewayOpener func(Candidate) (chip.Chip, error)

// remoteOpener constructs a RemoteChip reached through gateway at ethCore,
// returning its asic id, Ethernet location, Info and its own Ethernet core
// list alongside the chip itself (spec.md §4.6 step 4: "ask it for the
// remote chip's ChipInfo"). The returned ethCores is what lets a remote chip
// re-probe its own ports once it is popped off the worklist, the same way
// original_source/device/topology_discovery.cpp's main loop re-probes every
// popped chip (local or remote) via get_cores(CoreType::ETH, ...) — without
// it, a remote chip can never discover that its gateway is already known,
// and spec.md §8's "every edge recorded both ways" invariant breaks for any
// single-hop topology.
type remoteOpener func(gateway chip.Chip, ethCore device.Core) (remoteChip chip.Chip, asicID uint64, loc noc.EthCoord, info chip.Info, ethCores []device.Core, err error)

// localEthCoordReader reads a gateway chip's own Ethernet location off its
// first Ethernet core (original_source/device/topology_discovery.cpp's
// get_local_eth_coord: this is unconditional, independent of which channels
// are active).
type localEthCoordReader func(c chip.Chip, ethCore device.Core) (noc.EthCoord, error)

// localAsicIDReader reads a chip's own asic id off its first Ethernet core,
// mirroring get_local_asic_id. Run uses it to register a gateway's asic id
// in the dedup table up front, the same way a newly discovered remote chip's
// asic id is registered at discovery time — without this, a remote chip
// re-probing its own link back toward the gateway can never find the
// gateway's asic id already known, and the edge never closes both ways.
type localAsicIDReader func(c chip.Chip, ethCore device.Core) (uint64, error)

// Probe names one of the mailbox words the worklist loop needs per channel,
// per spec.md §4.6 step 4. The caller's wordReader closes over the live
// chip's EthAddressTable (resolved once from its Ethernet firmware version)
// to turn (probe, channel) into the actual byte offset within eth_conn_info
// or results_buf.
type Probe int

const (
	ProbePortStatus Probe = iota
	ProbeRemoteBoardID
	ProbeRemoteAsicIDHi
	ProbeRemoteAsicIDLo
	ProbeRemoteEthChannel
)

// wordReader reads one 32-bit mailbox word for the given probe/channel.
type wordReader func(c chip.Chip, ethCore device.Core, p Probe, channel int) (uint32, error)

// Discoverer runs spec.md §4.6's algorithm. All reads are injected so the
// package has no direct dependency on a specific wire protocol for the
// mailbox/telemetry step spec.md treats as an external collaborator (§1
// "firmware telemetry parsing" is out of scope; this package only needs the
// five word-sized reads the worklist loop performs).
type Discoverer struct {
	openGateway   gatewayOpener
	openRemote    remoteOpener
	readWord      wordReader
	localEthCoord localEthCoordReader
	localAsicID   localAsicIDReader
	locks         *lock.Manager
	log           ttlog.Logger

	allowedBoardIDs map[uint32]bool
	galaxy          bool
}

// NewDiscoverer wires the chip-construction and register-read callbacks a
// real deployment supplies (cluster package does this over live PCIeProtocol
// and remote.Transport instances). localEthCoord may be nil, in which case
// gateway chips are left out of ChipLocations (a caller with no coordinate
// reader, or a galaxy host where coordinates are synthetic, can pass nil).
// localAsicID may also be nil, in which case a gateway's own asic id is
// never registered and links closing back onto a gateway will be recorded
// as a second discovery of it instead of an edge (acceptable for a caller
// that only cares about external-facing remote chips, never a ring back to
// the gateway itself).
func NewDiscoverer(openGateway gatewayOpener, openRemote remoteOpener, readWord wordReader, localEthCoord localEthCoordReader, localAsicID localAsicIDReader, locks *lock.Manager) *Discoverer {
	return &Discoverer{
		openGateway:     openGateway,
		openRemote:      openRemote,
		readWord:        readWord,
		localEthCoord:   localEthCoord,
		localAsicID:     localAsicID,
		locks:           locks,
		log:             ttlog.AddContext(ttlog.Ctx{"component": "topology_discovery"}),
		allowedBoardIDs: make(map[uint32]bool),
	}
}

// SetGalaxy records whether the host is a 6U galaxy configuration (spec.md
// §4.6 step 2): it affects the eth-coordinate step and gates the post-pass.
func (d *Discoverer) SetGalaxy(galaxy bool) { d.galaxy = galaxy }

type discoveredChip struct {
	id       cluster.ChipID
	chip     chip.Chip
	ethCores []device.Core
	gateway  cluster.ChipID // chip id of the MMIO chip this one routes through
	mmioIdx  int
	hasMMIO  bool
}

// Run executes spec.md §4.6 steps 4-5 against an already-filtered candidate
// list, under the CREATE_ETH_MAP mutex for the duration (spec.md §4.6:
// "only one process may build a cluster descriptor at a time per host").
// The allowed board-id set is allowedBoardIDs as given; Run does not add
// board ids read from the chips' own Ethernet cores to it.
func (d *Discoverer) Run(candidates []Candidate, allowedBoardIDs []uint32) (*Result, error) {
	guard, err := d.locks.Acquire(lock.CreateEthMap, "")
	if err != nil {
		return nil, fmt.Errorf("acquire CREATE_ETH_MAP: %w", err)
	}
	defer guard.Release()

	for _, b := range allowedBoardIDs {
		d.allowedBoardIDs[b] = true
	}

	runID, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate discovery run id: %w", err)
	}

	desc := cluster.NewDescriptor(runID)
	chips := make(map[cluster.ChipID]chip.Chip)
	asicIDToChip := make(map[uint64]cluster.ChipID)
	discovered := make(map[cluster.ChipID]*discoveredChip)

	var nextID cluster.ChipID
	var pending []*discoveredChip

	for _, cand := range candidates {
		c, err := d.openGateway(cand)
		if err != nil {
			return nil, fmt.Errorf("open pcie chip %d: %w", cand.PCIeIndex, err)
		}

		id := nextID
		nextID++

		dc := &discoveredChip{id: id, chip: c, ethCores: cand.EthCores, gateway: id, mmioIdx: cand.PCIeIndex, hasMMIO: true}
		discovered[id] = dc
		pending = append(pending, dc)

		if !d.galaxy && d.localEthCoord != nil && len(cand.EthCores) > 0 {
			loc, err := d.localEthCoord(c, cand.EthCores[0])
			if err != nil {
				return nil, fmt.Errorf("read local eth coord chip=%d: %w", id, err)
			}
			desc.ChipLocations[id] = loc
		}

		if d.localAsicID != nil && len(cand.EthCores) > 0 {
			asicID, err := d.localAsicID(c, cand.EthCores[0])
			if err != nil {
				return nil, fmt.Errorf("read local asic id chip=%d: %w", id, err)
			}
			asicIDToChip[asicID] = id
			desc.ChipUniqueIDs[id] = asicID
		}
	}

	for len(pending) > 0 {
		dc := pending[0]
		pending = pending[1:]

		chips[dc.id] = dc.chip
		var active []int

		for channel, ethCore := range dc.ethCores {
			status, err := d.readWord(dc.chip, ethCore, ProbePortStatus, channel)
			if err != nil {
				return nil, fmt.Errorf("read port status chip=%d channel=%d: %w", dc.id, channel, err)
			}

			if status == portUnknown || status == portUnconnected {
				continue
			}

			active = append(active, channel)

			remoteBoardID, err := d.readWord(dc.chip, ethCore, ProbeRemoteBoardID, channel)
			if err != nil {
				return nil, fmt.Errorf("read remote board id chip=%d channel=%d: %w", dc.id, channel, err)
			}

			if !d.allowedBoardIDs[remoteBoardID] {
				desc.ExternalConnections = append(desc.ExternalConnections, cluster.ExternalConnection{
					From: cluster.ChipIDChannel{Chip: dc.id, Channel: channel},
				})
				continue
			}

			dc.chip.SetRemoteTransferEthernetCores(coresForChannels(dc.ethCores, active))

			remoteAsicHi, err := d.readWord(dc.chip, ethCore, ProbeRemoteAsicIDHi, channel)
			if err != nil {
				return nil, err
			}
			remoteAsicLo, err := d.readWord(dc.chip, ethCore, ProbeRemoteAsicIDLo, channel)
			if err != nil {
				return nil, err
			}
			remoteAsicID := uint64(remoteAsicHi)<<32 | uint64(remoteAsicLo)

			if existingID, ok := asicIDToChip[remoteAsicID]; ok {
				remoteChannel, err := d.readWord(dc.chip, ethCore, ProbeRemoteEthChannel, channel)
				if err != nil {
					return nil, err
				}

				desc.EthConnections = append(desc.EthConnections, cluster.Edge{
					A: cluster.ChipIDChannel{Chip: dc.id, Channel: channel},
					B: cluster.ChipIDChannel{Chip: existingID, Channel: int(remoteChannel)},
				})

				continue
			}

			remoteChip, asicID, remoteLoc, info, remoteEthCores, err := d.openRemote(dc.chip, ethCore)
			if err != nil {
				return nil, fmt.Errorf("open remote chip via chip=%d channel=%d: %w", dc.id, channel, err)
			}

			remoteID := nextID
			nextID++

			ndc := &discoveredChip{id: remoteID, chip: remoteChip, ethCores: remoteEthCores, gateway: dc.gateway, hasMMIO: false}
			discovered[remoteID] = ndc
			pending = append(pending, ndc)

			asicIDToChip[asicID] = remoteID
			asicIDToChip[remoteAsicID] = remoteID
			desc.ChipUniqueIDs[remoteID] = asicID
			desc.BoardTypes[remoteID] = info.BoardType
			desc.HarvestingMasks[remoteID] = harvestingMaskOf(info)

			if !d.galaxy {
				desc.ChipLocations[remoteID] = remoteLoc
			}

			d.log.Debug("discovered remote chip", ttlog.Ctx{"chip": remoteID, "via": dc.id, "channel": channel})
		}

		dc.chip.SetRemoteTransferEthernetCores(coresForChannels(dc.ethCores, active))
		desc.ActiveEthChannels[dc.id] = active
	}

	d.fillDescriptor(desc, discovered)

	if d.galaxy {
		mergeGalaxyClusters(desc)
	}

	return &Result{Descriptor: desc, Chips: chips}, nil
}

func coresForChannels(all []device.Core, channels []int) []device.Core {
	out := make([]device.Core, 0, len(channels))
	for _, ch := range channels {
		if ch < len(all) {
			out = append(out, all[ch])
		}
	}

	return out
}

func harvestingMaskOf(info chip.Info) uint32 {
	var mask uint32
	for _, v := range info.HarvestingMasks {
		mask |= v
	}

	return mask
}

// fillDescriptor implements spec.md §4.6 step 5's bookkeeping pass, grounded
// on topology_discovery.cpp's fill_cluster_descriptor_info.
func (d *Discoverer) fillDescriptor(desc *cluster.Descriptor, discovered map[cluster.ChipID]*discoveredChip) {
	for id, dc := range discovered {
		desc.AllChips = append(desc.AllChips, id)

		if dc.hasMMIO {
			desc.ChipsWithMMIO[id] = dc.mmioIdx
		}

		if _, ok := desc.ChipUniqueIDs[id]; !ok {
			desc.ChipUniqueIDs[id] = 0
		}

		active := desc.ActiveEthChannels[id]
		activeSet := make(map[int]bool, len(active))
		for _, c := range active {
			activeSet[c] = true
		}

		var idle []int
		for ch := 0; ch < len(dc.ethCores); ch++ {
			if !activeSet[ch] {
				idle = append(idle, ch)
			}
		}
		desc.IdleEthChannels[id] = idle

		desc.ChipsGroupedByGateway[dc.gateway] = append(desc.ChipsGroupedByGateway[dc.gateway], id)
	}

	sort.Slice(desc.AllChips, func(i, j int) bool { return desc.AllChips[i] < desc.AllChips[j] })
}

// mergeGalaxyClusters is the post-pass spec.md §4.6 step 5 and §9's design
// note describe as "merge cluster ids": a 6U galaxy enclosure's gateways
// each see only their own slice of the fabric during the worklist loop, so
// two gateway groups linked by an Ethernet edge are really one physical
// cluster. Grounded on topology_discovery.cpp's merge_cluster_ids; go-umd's
// simplification (documented in DESIGN.md) unions gateway groups directly
// off the EthConnections graph instead of porting the original's separate
// per-rack cluster-id bookkeeping, since go-umd does not track eth_coord
// for 6U hosts (is_running_on_6u skips eth_coords population upstream too).
func mergeGalaxyClusters(desc *cluster.Descriptor) {
	parent := make(map[cluster.ChipID]cluster.ChipID)
	gatewayOf := make(map[cluster.ChipID]cluster.ChipID)

	for gw, members := range desc.ChipsGroupedByGateway {
		parent[gw] = gw
		for _, m := range members {
			gatewayOf[m] = gw
		}
	}

	var find func(cluster.ChipID) cluster.ChipID
	find = func(x cluster.ChipID) cluster.ChipID {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b cluster.ChipID) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for _, edge := range desc.EthConnections {
		gwA, okA := gatewayOf[edge.A.Chip]
		gwB, okB := gatewayOf[edge.B.Chip]
		if okA && okB {
			union(gwA, gwB)
		}
	}

	merged := make(map[cluster.ChipID][]cluster.ChipID)
	for gw := range desc.ChipsGroupedByGateway {
		root := find(gw)
		merged[root] = append(merged[root], desc.ChipsGroupedByGateway[gw]...)
	}

	for root, members := range merged {
		seen := make(map[cluster.ChipID]bool, len(members))
		var dedup []cluster.ChipID
		for _, m := range members {
			if !seen[m] {
				seen[m] = true
				dedup = append(dedup, m)
			}
		}
		sort.Slice(dedup, func(i, j int) bool { return dedup[i] < dedup[j] })
		merged[root] = dedup
	}

	desc.ChipsGroupedByGateway = merged
}
