// Package cluster implements spec.md §4.8: the Cluster façade over a
// discovered set of chips, and the ClusterDescriptor data spec.md §3
// defines as topology discovery's output.
package cluster

import (
	"github.com/google/uuid"

	"github.com/tenstorrent/go-umd/noc"
)

// ChipID is the small sequential identifier topology discovery assigns each
// chip as it is found, mirroring original_source/device/topology_discovery.cpp's
// chip_id_t counter (distinct from the 64-bit asic id, which is the stable
// cross-run identity — see ChipUniqueIDs).
type ChipID int

// ChipIDChannel pairs a chip with one of its Ethernet channels; kept as a
// named type (rather than two loose ints) so EthConnection's two endpoints
// cannot be transposed by accident at a call site.
type ChipIDChannel struct {
	Chip    ChipID
	Channel int
}

// Edge is an undirected connection between two (chip, channel) endpoints.
type Edge struct {
	A, B ChipIDChannel
}

// ExternalConnection records an Ethernet port that leads to a board outside
// the allowed set — a foreign cluster, per spec.md §4.6 step 4.
type ExternalConnection struct {
	From          ChipIDChannel
	RemoteAsicID  uint64
	RemoteChannel int
}

// Descriptor is the union of fields spec.md §3's "Cluster descriptor" data
// model names. Created fresh by each discovery run and never mutated
// afterward.
type Descriptor struct {
	RunID uuid.UUID

	AllChips      []ChipID
	ChipsWithMMIO map[ChipID]int // chip -> PCIe device index

	EthConnections       []Edge
	ExternalConnections  []ExternalConnection
	ChipLocations        map[ChipID]noc.EthCoord
	HarvestingMasks      map[ChipID]uint32
	BoardTypes           map[ChipID]string
	ChipUniqueIDs        map[ChipID]uint64 // asic id
	ActiveEthChannels    map[ChipID][]int
	IdleEthChannels      map[ChipID][]int
	ChipsGroupedByGateway map[ChipID][]ChipID // gateway chip id -> chips routed through it (including itself)
}

// NewDescriptor returns an empty descriptor stamped with a fresh run id.
func NewDescriptor(runID uuid.UUID) *Descriptor {
	return &Descriptor{
		RunID:                 runID,
		ChipsWithMMIO:         make(map[ChipID]int),
		ChipLocations:         make(map[ChipID]noc.EthCoord),
		HarvestingMasks:       make(map[ChipID]uint32),
		BoardTypes:            make(map[ChipID]string),
		ChipUniqueIDs:         make(map[ChipID]uint64),
		ActiveEthChannels:     make(map[ChipID][]int),
		IdleEthChannels:       make(map[ChipID][]int),
		ChipsGroupedByGateway: make(map[ChipID][]ChipID),
	}
}
