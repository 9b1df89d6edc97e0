// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graphstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/procedural-memory/pmcore/internal/domain"
)

// Node is a tool or capability together with its adjacency lists. Exactly
// one of Tool/Capability is set, matching its Kind.
type Node struct {
	ID         string
	Kind       domain.NodeKind
	Tool       *domain.Tool
	Capability *domain.Capability

	Outgoing []*domain.DirectedEdge
	Incoming []*domain.DirectedEdge
}

// Store is the hypergraph of tools and capabilities. The zero value is not
// usable; construct with New.
type Store struct {
	mu sync.RWMutex

	nodes      map[string]*Node
	edges      map[domain.EdgeKey]*domain.DirectedEdge
	hyperedges map[string]*domain.Hyperedge

	// revision is bumped on every successful mutation. DR-DSP keys its
	// PageRank/community cache off this counter rather than recomputing on
	// every read.
	revision uint64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		nodes:      make(map[string]*Node),
		edges:      make(map[domain.EdgeKey]*domain.DirectedEdge),
		hyperedges: make(map[string]*domain.Hyperedge),
	}
}

// Revision returns the current mutation counter, suitable as a cache key
// for derived computations (PageRank, community assignment).
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// AddNode inserts a tool or capability node. Re-adding an existing id with
// the same kind is a no-op that refreshes the stored value; re-adding with
// a different kind is rejected.
func (s *Store) AddNode(kind domain.NodeKind, id string, tool *domain.Tool, capability *domain.Capability) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.nodes[id]; ok {
		if existing.Kind != kind {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, id)
		}
		existing.Tool = tool
		existing.Capability = capability
		s.revision++
		return existing, nil
	}

	node := &Node{
		ID:         id,
		Kind:       kind,
		Tool:       tool,
		Capability: capability,
		Outgoing:   make([]*domain.DirectedEdge, 0),
		Incoming:   make([]*domain.DirectedEdge, 0),
	}
	s.nodes[id] = node
	s.revision++
	return node, nil
}

// GetNode looks up a node by id.
func (s *Store) GetNode(id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// AddEdge reinforces (or creates) a directed edge from `from` to `to`. For
// edge kinds that require acyclicity (Sequence, Dependency) a would-be cycle
// is rejected with ErrCycleWouldForm before any mutation is made, so a
// failed AddEdge never partially applies.
func (s *Store) AddEdge(from, to string, kind domain.EdgeKind, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fromNode, ok := s.nodes[from]
	if !ok {
		return fmt.Errorf("%w: source %s", ErrNodeNotFound, from)
	}
	toNode, ok := s.nodes[to]
	if !ok {
		return fmt.Errorf("%w: target %s", ErrNodeNotFound, to)
	}

	key := domain.EdgeKey{From: from, To: to, Kind: kind}
	if existing, ok := s.edges[key]; ok {
		existing.Reinforce(now)
		s.revision++
		return nil
	}

	if kind.RequiresAcyclic() && s.pathExistsLocked(to, from, kind) {
		return fmt.Errorf("%w: %s -> %s", ErrCycleWouldForm, from, to)
	}

	edge := &domain.DirectedEdge{From: from, To: to, Kind: kind}
	edge.Reinforce(now)
	s.edges[key] = edge
	fromNode.Outgoing = append(fromNode.Outgoing, edge)
	toNode.Incoming = append(toNode.Incoming, edge)
	s.revision++
	return nil
}

// MarkParallel flags an existing edge as observed running concurrently
// with a sibling edge sharing the same predecessor. It is a
// no-op error if the edge has not been observed yet.
func (s *Store) MarkParallel(from, to string, kind domain.EdgeKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	edge, ok := s.edges[domain.EdgeKey{From: from, To: to, Kind: kind}]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrEdgeNotFound, from, to)
	}
	edge.IsParallel = true
	s.revision++
	return nil
}

// pathExistsLocked reports whether a directed path of edges of the given
// kind exists from `from` to `to`, via depth-first ancestor walk. Callers
// must hold s.mu.
func (s *Store) pathExistsLocked(from, to string, kind domain.EdgeKind) bool {
	if from == to {
		return true
	}
	visited := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		node, ok := s.nodes[cur]
		if !ok {
			continue
		}
		for _, e := range node.Outgoing {
			if e.Kind == kind {
				stack = append(stack, e.To)
			}
		}
	}
	return false
}

// AddHyperedge inserts or replaces the hyperedge for a capability. The
// caller is responsible for keeping invariant 2 ("a capability's hyperedge
// exists iff the capability exists") by calling this only alongside
// AddNode for the owning capability.
func (s *Store) AddHyperedge(h *domain.Hyperedge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range append(append([]string{}, h.Sources...), h.Targets...) {
		if _, ok := s.nodes[id]; !ok {
			return fmt.Errorf("%w: member %s", ErrNodeNotFound, id)
		}
	}
	s.hyperedges[h.ID] = h
	s.revision++
	return nil
}

// GetHyperedge looks up a hyperedge by id (`cap__{capabilityId}`).
func (s *Store) GetHyperedge(id string) (*domain.Hyperedge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hyperedges[id]
	return h, ok
}

// RemoveHyperedge deletes the hyperedge for a capability, used on
// capability deletion to preserve invariant 2.
func (s *Store) RemoveHyperedge(capabilityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hyperedges, domain.HyperedgeID(capabilityID))
	s.revision++
}

// ListTrainableCapabilities returns up to limit capability nodes that carry
// both a non-empty intent embedding and a code snippet — the PER trainer's
// eligibility filter. Iteration order over the node
// map is unspecified, matching Go map iteration; callers needing a stable
// corpus across calls should rely on Store.Revision instead.
func (s *Store) ListTrainableCapabilities(limit int) []domain.Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Capability, 0, limit)
	for _, n := range s.nodes {
		if len(out) >= limit {
			break
		}
		if n.Kind != domain.NodeKindCapability || n.Capability == nil {
			continue
		}
		c := n.Capability
		if len(c.IntentEmbedding) == 0 || c.CodeSnippet == "" {
			continue
		}
		out = append(out, *c)
	}
	return out
}

// Stats summarizes the store's size for operational surfaces.
type Stats struct {
	NodeCount      int
	EdgeCount      int
	HyperedgeCount int
	Revision       uint64
}

// Stats returns current counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		NodeCount:      len(s.nodes),
		EdgeCount:      len(s.edges),
		HyperedgeCount: len(s.hyperedges),
		Revision:       s.revision,
	}
}

// Mutate applies fn to the store as a single atomic batch: if fn returns an
// error, all changes fn made are rolled back and the store is left exactly
// as it was before Mutate was called.
func (s *Store) Mutate(fn func(*Store) error) error {
	s.mu.Lock()
	before := s.cloneLocked()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.nodes = before.nodes
		s.edges = before.edges
		s.hyperedges = before.hyperedges
		s.revision = before.revision
		s.mu.Unlock()
		return err
	}
	return nil
}

// cloneLocked returns a structural copy of the store's containers: new
// maps holding copies of every node and directed edge, with each copied
// node's adjacency lists pointing at the copied edges, so Mutate's rollback
// also undoes edge reinforcement. Tool, Capability and Hyperedge values are
// shared, not duplicated. Callers must hold s.mu.
func (s *Store) cloneLocked() *Store {
	clone := &Store{
		nodes:      make(map[string]*Node, len(s.nodes)),
		edges:      make(map[domain.EdgeKey]*domain.DirectedEdge, len(s.edges)),
		hyperedges: make(map[string]*domain.Hyperedge, len(s.hyperedges)),
		revision:   s.revision,
	}
	copies := make(map[*domain.DirectedEdge]*domain.DirectedEdge, len(s.edges))
	for k, e := range s.edges {
		edgeCopy := *e
		clone.edges[k] = &edgeCopy
		copies[e] = &edgeCopy
	}
	remap := func(in []*domain.DirectedEdge) []*domain.DirectedEdge {
		out := make([]*domain.DirectedEdge, len(in))
		for i, e := range in {
			if c, ok := copies[e]; ok {
				out[i] = c
			} else {
				out[i] = e
			}
		}
		return out
	}
	for id, n := range s.nodes {
		nodeCopy := *n
		nodeCopy.Outgoing = remap(n.Outgoing)
		nodeCopy.Incoming = remap(n.Incoming)
		clone.nodes[id] = &nodeCopy
	}
	for id, h := range s.hyperedges {
		clone.hyperedges[id] = h
	}
	return clone
}

// Snapshot is a point-in-time, read-only view over the store's adjacency
// state, cheap to take because it shares node/edge values with the live
// store rather than deep-copying them, since DR-DSP/SHGAT only ever read
// a snapshot and never mutate it.
type Snapshot struct {
	nodes      map[string]*Node
	hyperedges map[string]*domain.Hyperedge
	revision   uint64
}

// Snapshot takes a consistent read-only view of the current graph.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make(map[string]*Node, len(s.nodes))
	for id, n := range s.nodes {
		nodes[id] = n
	}
	hyperedges := make(map[string]*domain.Hyperedge, len(s.hyperedges))
	for id, h := range s.hyperedges {
		hyperedges[id] = h
	}
	return &Snapshot{nodes: nodes, hyperedges: hyperedges, revision: s.revision}
}

// Revision is the store revision this snapshot was taken at.
func (sn *Snapshot) Revision() uint64 { return sn.revision }

// Node returns the node by id within this snapshot.
func (sn *Snapshot) Node(id string) (*Node, bool) {
	n, ok := sn.nodes[id]
	return n, ok
}

// Nodes iterates every node in the snapshot.
func (sn *Snapshot) Nodes(yield func(id string, n *Node) bool) {
	for id, n := range sn.nodes {
		if !yield(id, n) {
			return
		}
	}
}

// Hyperedge returns the hyperedge by id within this snapshot.
func (sn *Snapshot) Hyperedge(id string) (*domain.Hyperedge, bool) {
	h, ok := sn.hyperedges[id]
	return h, ok
}
