// Package rpl describes the read-only view of the routing stack that the
// detector consumes, and an in-memory implementation used by the simulator
// and tests.
package rpl

import (
	"net/netip"
	"sync"
)

// InfiniteRank is the rank sentinel for a neighbor whose rank is not known yet.
const InfiniteRank uint16 = 0xFFFF

// Neighbor is one entry of the routing neighbor table.
type Neighbor struct {
	Addr netip.Addr `json:"addr"`
	Rank uint16     `json:"rank"`
}

// HasRank reports whether the neighbor advertised a usable rank.
func (n Neighbor) HasRank() bool { return n.Addr.IsValid() && n.Rank != InfiniteRank }

// Topology is the routing-stack state the monitor reads each tick.
type Topology interface {
	// Joined reports whether this node is part of a DODAG.
	Joined() bool
	// Rank is this node's own rank.
	Rank() uint16
	// Version is the current DODAG version.
	Version() uint8
	// Neighbors returns a copy of the neighbor table.
	Neighbors() []Neighbor
	// PreferredParent returns the current preferred parent, if any.
	PreferredParent() (netip.Addr, bool)
}

// SimTopology is a mutable in-memory Topology.
type SimTopology struct {
	mu        sync.RWMutex
	joined    bool
	rank      uint16
	version   uint8
	parent    netip.Addr
	neighbors map[netip.Addr]uint16
	order     []netip.Addr
}

// NewSimTopology returns a topology that is not yet joined.
func NewSimTopology() *SimTopology {
	return &SimTopology{
		rank:      InfiniteRank,
		neighbors: make(map[netip.Addr]uint16),
	}
}

// Join marks the node as part of a DODAG with the given rank and version.
func (s *SimTopology) Join(rank uint16, version uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = true
	s.rank = rank
	s.version = version
}

// Leave detaches the node from its DODAG.
func (s *SimTopology) Leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = false
	s.rank = InfiniteRank
}

// SetRank updates this node's rank.
func (s *SimTopology) SetRank(rank uint16) {
	s.mu.Lock()
	s.rank = rank
	s.mu.Unlock()
}

// SetVersion updates the DODAG version, as after a global repair.
func (s *SimTopology) SetVersion(version uint8) {
	s.mu.Lock()
	s.version = version
	s.mu.Unlock()
}

// SetParent selects the preferred parent.
func (s *SimTopology) SetParent(addr netip.Addr) {
	s.mu.Lock()
	s.parent = addr
	s.mu.Unlock()
}

// UpsertNeighbor adds a neighbor or updates its advertised rank.
func (s *SimTopology) UpsertNeighbor(addr netip.Addr, rank uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.neighbors[addr]; !ok {
		s.order = append(s.order, addr)
	}
	s.neighbors[addr] = rank
}

// RemoveNeighbor drops a neighbor from the table.
func (s *SimTopology) RemoveNeighbor(addr netip.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.neighbors[addr]; !ok {
		return
	}
	delete(s.neighbors, addr)
	for i, a := range s.order {
		if a == addr {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.parent == addr {
		s.parent = netip.Addr{}
	}
}

func (s *SimTopology) Joined() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joined
}

func (s *SimTopology) Rank() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rank
}

func (s *SimTopology) Version() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Neighbors returns neighbors in insertion order.
func (s *SimTopology) Neighbors() []Neighbor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Neighbor, 0, len(s.order))
	for _, a := range s.order {
		out = append(out, Neighbor{Addr: a, Rank: s.neighbors[a]})
	}
	return out
}

func (s *SimTopology) PreferredParent() (netip.Addr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parent, s.parent.IsValid()
}
