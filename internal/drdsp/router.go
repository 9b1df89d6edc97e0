// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package drdsp

import (
	"context"
	"sync"

	"github.com/procedural-memory/pmcore/internal/graphstore"
)

// UpdateType classifies a mutation fed into Router.ApplyUpdate, used to
// decide which cached computation needs invalidating.
type UpdateType string

const (
	UpdateEdgeAdd    UpdateType = "edge_add"
	UpdateEdgeUpdate UpdateType = "edge_update"
	UpdateNodeAdd    UpdateType = "node_add"
)

// Update describes one graph mutation already applied to the GraphStore,
// so the Router can decide what to recompute.
type Update struct {
	Type UpdateType
}

// Router maintains PageRank, community assignment, and Adamic–Adar scoring
// over a GraphStore, recomputing PageRank/communities lazily: only when the
// node or edge count has drifted by at least 5% since the last computation
//, never on every read.
type Router struct {
	store *graphstore.Store

	mu             sync.Mutex
	cachedAtRev    uint64
	cachedAtNodes  int
	cachedAtEdges  int
	pageRank       *PageRankResult
	communities    *CommunityResult
	haveComputed   bool
}

// New returns a Router bound to store. It performs no computation until a
// scoring method is first called.
func New(store *graphstore.Store) *Router {
	return &Router{store: store}
}

// driftExceeds5Percent reports whether node or edge counts have moved by at
// least 5% relative to the last cached computation.
func driftExceeds5Percent(oldCount, newCount int) bool {
	if oldCount == 0 {
		return newCount != 0
	}
	delta := newCount - oldCount
	if delta < 0 {
		delta = -delta
	}
	return float64(delta)/float64(oldCount) >= 0.05
}

// ensureFresh recomputes PageRank and community assignment if the graph has
// drifted enough since the last computation, or if nothing has been
// computed yet. Caller must hold r.mu.
func (r *Router) ensureFresh(ctx context.Context) *graphstore.Snapshot {
	snap := r.store.Snapshot()
	stats := r.store.Stats()

	stale := !r.haveComputed ||
		driftExceeds5Percent(r.cachedAtNodes, stats.NodeCount) ||
		driftExceeds5Percent(r.cachedAtEdges, stats.EdgeCount)

	if stale {
		r.pageRank = PageRank(ctx, snap)
		r.communities = DetectCommunities(ctx, snap)
		r.cachedAtRev = stats.Revision
		r.cachedAtNodes = stats.NodeCount
		r.cachedAtEdges = stats.EdgeCount
		r.haveComputed = true
	}
	return snap
}

// PageRankOf returns the cached (or freshly computed) PageRank score for a
// node. Zero for an unknown node.
func (r *Router) PageRankOf(ctx context.Context, nodeID string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureFresh(ctx)
	return r.pageRank.Scores[nodeID]
}

// CommunityOf returns the community assignment for a node.
func (r *Router) CommunityOf(ctx context.Context, nodeID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureFresh(ctx)
	return r.communities.CommunityOf(nodeID)
}

// AdamicAdarScore scores co-occurrence between q and c. Adamic-Adar reads
// adjacency directly from a fresh snapshot and is never cached, since it is
// cheap per-pair and the spec gives it no staleness tolerance.
func (r *Router) AdamicAdarScore(q, c string) float64 {
	snap := r.store.Snapshot()
	return AdamicAdar(snap, q, c)
}

// GraphDensity approximates local graph density around nodeID as
// edges/nodes² over the node's immediate neighborhood.
func (r *Router) GraphDensity(nodeID string) float64 {
	snap := r.store.Snapshot()
	node, ok := snap.Node(nodeID)
	if !ok {
		return 0
	}
	neighbors := neighborSet(node)
	neighbors[nodeID] = struct{}{}
	n := len(neighbors)
	if n == 0 {
		return 0
	}

	edgeCount := 0
	for id := range neighbors {
		nn, ok := snap.Node(id)
		if !ok {
			continue
		}
		for _, e := range nn.Outgoing {
			if !e.Kind.RequiresAcyclic() {
				continue
			}
			if _, inNeighborhood := neighbors[e.To]; inNeighborhood {
				edgeCount++
			}
		}
	}
	return float64(edgeCount) / float64(n*n)
}

// ApplyUpdate invalidates only the caches whose inputs changed. Since
// PageRank and communities are
// always recomputed together here (they share the same drift-triggered
// recompute), any update simply marks the cache as possibly stale; the
// next read re-checks the 5% drift threshold and recomputes only if it is
// actually exceeded. Adamic-Adar is never cached, so it needs no
// invalidation for any update type.
func (r *Router) ApplyUpdate(update Update) {
	switch update.Type {
	case UpdateEdgeAdd, UpdateEdgeUpdate, UpdateNodeAdd:
		// Nothing to do eagerly: ensureFresh consults live store counts
		// against the cached snapshot's counts on the next read and
		// recomputes only past the 5% drift threshold.
	}
}
