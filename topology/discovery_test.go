package topology

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tenstorrent/go-umd/chip"
	"github.com/tenstorrent/go-umd/cluster"
	"github.com/tenstorrent/go-umd/device"
	"github.com/tenstorrent/go-umd/lock"
	"github.com/tenstorrent/go-umd/noc"
)

// fakeChip is a minimal chip.Chip stand-in: discovery never calls anything
// on it besides SetRemoteTransferEthernetCores and Close, since every
// mailbox read is routed through the injected wordReader/localEthCoordReader
// closures instead of the chip itself.
type fakeChip struct {
	name     string
	recorded []device.Core
}

func (f *fakeChip) WriteToDevice(core device.Core, addr uint64, src []byte) error   { return nil }
func (f *fakeChip) ReadFromDevice(core device.Core, addr uint64, dst []byte) error  { return nil }
func (f *fakeChip) WriteToDeviceReg(core device.Core, addr uint64, v uint32) error  { return nil }
func (f *fakeChip) ReadFromDeviceReg(core device.Core, addr uint64) (uint32, error) { return 0, nil }
func (f *fakeChip) WriteToSysmem(channel uint32, addr uint64, src []byte) error     { return nil }
func (f *fakeChip) ReadFromSysmem(channel uint32, addr uint64, dst []byte) error    { return nil }
func (f *fakeChip) DMAWriteToDevice(addr uint64, src []byte) error                  { return nil }
func (f *fakeChip) DMAReadFromDevice(addr uint64, dst []byte) error                 { return nil }
func (f *fakeChip) SetRemoteTransferEthernetCores(cores []device.Core)              { f.recorded = cores }
func (f *fakeChip) WaitForNonMMIOFlush(ctx context.Context) error                   { return nil }
func (f *fakeChip) L1Membar(cores []device.Core) error                             { return nil }
func (f *fakeChip) DRAMMembar(cores []device.Core) error                           { return nil }
func (f *fakeChip) AcquireMutex(kind lock.Kind) (lock.Guard, error)                 { return lock.Guard{}, nil }
func (f *fakeChip) IsMMIOCapable() bool { return true }
func (f *fakeChip) GetChipInfo() chip.Info { return chip.Info{} }
func (f *fakeChip) Close() error { return nil }

const (
	activeStatus = 2
	remoteBoard  = 0xAAAA
)

// newFixture wires a two-gateway scenario: gateway g0 discovers a fresh
// remote chip on its channel 0 (channel 1 idle); gateway g1 sees the very
// same remote asic id on its own channel 0, which must produce an
// EthConnections edge back to the already-discovered chip rather than a
// second remote-chip discovery.
func newFixture(t *testing.T) (*Discoverer, []Candidate) {
	t.Helper()

	coreA := device.Core{X: 0, Y: 0}
	coreB := device.Core{X: 1, Y: 0}

	g0 := &fakeChip{name: "g0"}
	g1 := &fakeChip{name: "g1"}
	remote := &fakeChip{name: "remote"}

	openGateway := func(cand Candidate) (chip.Chip, error) {
		switch cand.PCIeIndex {
		case 0:
			return g0, nil
		case 1:
			return g1, nil
		default:
			t.Fatalf("unexpected pcie index %d", cand.PCIeIndex)
			return nil, nil
		}
	}

	openRemote := func(gateway chip.Chip, ethCore device.Core) (chip.Chip, uint64, noc.EthCoord, chip.Info, []device.Core, error) {
		return remote, 0x100000001, noc.EthCoord{ClusterID: 0, X: 9, Y: 9}, chip.Info{BoardType: "board-R"}, []device.Core{coreA}, nil
	}

	readWord := func(c chip.Chip, ethCore device.Core, p Probe, channel int) (uint32, error) {
		fc := c.(*fakeChip)

		switch fc.name {
		case "remote":
			if channel == 0 && p == ProbePortStatus {
				return portUnconnected, nil
			}
		case "g0":
			switch channel {
			case 0:
				switch p {
				case ProbePortStatus:
					return activeStatus, nil
				case ProbeRemoteBoardID:
					return remoteBoard, nil
				case ProbeRemoteAsicIDHi:
					return 0x1, nil
				case ProbeRemoteAsicIDLo:
					return 0x1, nil
				}
			case 1:
				if p == ProbePortStatus {
					return portUnconnected, nil
				}
			}
		case "g1":
			switch channel {
			case 0:
				switch p {
				case ProbePortStatus:
					return activeStatus, nil
				case ProbeRemoteBoardID:
					return remoteBoard, nil
				case ProbeRemoteAsicIDHi:
					return 0x1, nil
				case ProbeRemoteAsicIDLo:
					return 0x1, nil
				case ProbeRemoteEthChannel:
					return 5, nil
				}
			case 1:
				if p == ProbePortStatus {
					return portUnconnected, nil
				}
			}
		}

		t.Fatalf("unexpected read chip=%s channel=%d probe=%d", fc.name, channel, p)
		return 0, nil
	}

	localEthCoord := func(c chip.Chip, ethCore device.Core) (noc.EthCoord, error) {
		return noc.EthCoord{}, nil
	}

	d := NewDiscoverer(openGateway, openRemote, readWord, localEthCoord, nil, lock.NewManager())

	candidates := []Candidate{
		{PCIeIndex: 0, EthCores: []device.Core{coreA, coreB}},
		{PCIeIndex: 1, EthCores: []device.Core{coreA, coreB}},
	}

	return d, candidates
}

func TestDiscoveryActiveIdleChannelPartition(t *testing.T) {
	d, candidates := newFixture(t)

	result, err := d.Run(candidates, []uint32{remoteBoard})
	require.NoError(t, err)

	desc := result.Descriptor

	require.Len(t, desc.AllChips, 3) // g0, g1, remote

	g0id := cluster.ChipID(0)
	g1id := cluster.ChipID(1)

	require.Equal(t, []int{0}, desc.ActiveEthChannels[g0id])
	require.Equal(t, []int{1}, desc.IdleEthChannels[g0id])
	require.Equal(t, []int{0}, desc.ActiveEthChannels[g1id])
	require.Equal(t, []int{1}, desc.IdleEthChannels[g1id])
}

func TestDiscoveryDedupsRemoteChipSeenFromTwoGateways(t *testing.T) {
	d, candidates := newFixture(t)

	result, err := d.Run(candidates, []uint32{remoteBoard})
	require.NoError(t, err)

	desc := result.Descriptor

	remoteID := cluster.ChipID(2)
	require.Equal(t, uint64(0x100000001), desc.ChipUniqueIDs[remoteID])
	require.Equal(t, "board-R", desc.BoardTypes[remoteID])

	require.Len(t, desc.EthConnections, 1)
	edge := desc.EthConnections[0]
	require.Equal(t, cluster.ChipIDChannel{Chip: 1, Channel: 0}, edge.A)
	require.Equal(t, cluster.ChipIDChannel{Chip: remoteID, Channel: 5}, edge.B)
}

func TestDiscoveryGroupsRemoteChipUnderItsDiscoveringGateway(t *testing.T) {
	d, candidates := newFixture(t)

	result, err := d.Run(candidates, []uint32{remoteBoard})
	require.NoError(t, err)

	desc := result.Descriptor

	g0id := cluster.ChipID(0)
	remoteID := cluster.ChipID(2)

	require.Contains(t, desc.ChipsGroupedByGateway[g0id], g0id)
	require.Contains(t, desc.ChipsGroupedByGateway[g0id], remoteID)
}

func TestDiscoveryRejectsUnallowedBoardIDAsExternalConnection(t *testing.T) {
	d, candidates := newFixture(t)

	// No allowed board ids at all: every active channel's remote board id
	// must be recorded as an external connection instead of a discovered
	// chip.
	result, err := d.Run(candidates, nil)
	require.NoError(t, err)

	require.Empty(t, result.Descriptor.EthConnections)
	require.NotEmpty(t, result.Descriptor.ExternalConnections)
}

// TestDiscoverySingleHopRecordsEdgeFromBothSides wires the simplest possible
// topology: one gateway, one remote chip reached over a single Ethernet
// link. The gateway's own asic id is registered via localAsicID before the
// worklist runs; the remote chip is discovered with real ethCores of its
// own, so once it is popped off the worklist it re-probes its one channel,
// finds the gateway's asic id already known, and the edge is appended from
// the remote chip's side. Without both fixes this produces an empty
// EthConnections for a topology that plainly has one link.
func TestDiscoverySingleHopRecordsEdgeFromBothSides(t *testing.T) {
	coreA := device.Core{X: 0, Y: 0}

	const (
		gatewayBoard = 0xAAAA
		remoteBoard2 = 0xBBBB
		gatewayAsic  = uint64(0x5)
		remoteAsic   = uint64(0x100000002)
	)

	g0 := &fakeChip{name: "g0"}
	remoteChip := &fakeChip{name: "remote"}

	openGateway := func(cand Candidate) (chip.Chip, error) {
		if cand.PCIeIndex != 0 {
			t.Fatalf("unexpected pcie index %d", cand.PCIeIndex)
		}
		return g0, nil
	}

	openRemote := func(gateway chip.Chip, ethCore device.Core) (chip.Chip, uint64, noc.EthCoord, chip.Info, []device.Core, error) {
		return remoteChip, remoteAsic, noc.EthCoord{ClusterID: 0, X: 9, Y: 9}, chip.Info{BoardType: "board-R"}, []device.Core{coreA}, nil
	}

	readWord := func(c chip.Chip, ethCore device.Core, p Probe, channel int) (uint32, error) {
		fc := c.(*fakeChip)

		switch fc.name {
		case "g0":
			if channel == 0 {
				switch p {
				case ProbePortStatus:
					return activeStatus, nil
				case ProbeRemoteBoardID:
					return remoteBoard2, nil
				case ProbeRemoteAsicIDHi:
					return uint32(remoteAsic >> 32), nil
				case ProbeRemoteAsicIDLo:
					return uint32(remoteAsic), nil
				}
			}
		case "remote":
			if channel == 0 {
				switch p {
				case ProbePortStatus:
					return activeStatus, nil
				case ProbeRemoteBoardID:
					return gatewayBoard, nil
				case ProbeRemoteAsicIDHi:
					return uint32(gatewayAsic >> 32), nil
				case ProbeRemoteAsicIDLo:
					return uint32(gatewayAsic), nil
				case ProbeRemoteEthChannel:
					return 0, nil
				}
			}
		}

		t.Fatalf("unexpected read chip=%s channel=%d probe=%d", fc.name, channel, p)
		return 0, nil
	}

	localEthCoord := func(c chip.Chip, ethCore device.Core) (noc.EthCoord, error) {
		return noc.EthCoord{}, nil
	}

	localAsicID := func(c chip.Chip, ethCore device.Core) (uint64, error) {
		return gatewayAsic, nil
	}

	d := NewDiscoverer(openGateway, openRemote, readWord, localEthCoord, localAsicID, lock.NewManager())

	candidates := []Candidate{
		{PCIeIndex: 0, EthCores: []device.Core{coreA}},
	}

	result, err := d.Run(candidates, []uint32{gatewayBoard, remoteBoard2})
	require.NoError(t, err)

	desc := result.Descriptor
	require.Len(t, desc.AllChips, 2)

	g0id := cluster.ChipID(0)
	remoteID := cluster.ChipID(1)

	require.Equal(t, gatewayAsic, desc.ChipUniqueIDs[g0id])
	require.Equal(t, remoteAsic, desc.ChipUniqueIDs[remoteID])

	require.Len(t, desc.EthConnections, 1)
	edge := desc.EthConnections[0]
	require.Equal(t, cluster.ChipIDChannel{Chip: remoteID, Channel: 0}, edge.A)
	require.Equal(t, cluster.ChipIDChannel{Chip: g0id, Channel: 0}, edge.B)
}
