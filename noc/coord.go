// Package noc implements spec.md §3's coordinate systems and §6's sys-addr
// encoding: the addressing layer every other subsystem (TLB configuration,
// remote transport, topology discovery) builds on.
package noc

import "fmt"

// CoordSystem is one of the coexisting coordinate systems spec.md §3 names.
// All transport operates in one canonical system (NOC0 or Translated); the
// others are related to it by a per-chip bijection table (not modeled here
// — that table is architecture/board-specific harvesting data owned by the
// chip layer, per spec.md §9's harvesting-mask glossary entry).
type CoordSystem int

const (
	Logical CoordSystem = iota
	Physical
	Virtual
	Translated
	NOC0
	NOC1
)

// Coord is a location on a chip's NoC grid (spec.md §3).
type Coord struct {
	X, Y   uint32
	System CoordSystem
}

// EthCoord is the routing address remote-transport firmware consumes
// (spec.md §3): two chips share ClusterID iff they are on the same Ethernet
// fabric. Comparable by value so it can key a map, matching
// original_source/device/api/umd/device/tt_cluster_descriptor_types.h's
// eth_coord_t (which defines a hash and equality operator for exactly this
// reason).
type EthCoord struct {
	ClusterID int
	X, Y      int
	Rack      int
	Shelf     int
}

func (c EthCoord) String() string {
	return fmt.Sprintf("cluster=%d (%d,%d) rack=%d shelf=%d", c.ClusterID, c.X, c.Y, c.Rack, c.Shelf)
}
