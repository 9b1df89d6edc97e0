// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package drdsp

import (
	"context"
	"math"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/procedural-memory/pmcore/internal/graphstore"
)

var communityTracer = otel.Tracer("drdsp.community")

const (
	// maxSpectralDepth bounds recursive bipartition so a pathological graph
	// cannot recurse indefinitely; 6 levels caps community count at 64.
	maxSpectralDepth = 6
	// minCommunitySize stops bipartitioning a side once it is this small.
	minCommunitySize = 2
	powerIterations  = 100
)

// CommunityResult assigns every node a community id, derived from
// recursive spectral bipartition of the normalized Laplacian of the
// undirected projection of sequence/dependency edges.
type CommunityResult struct {
	NodeCommunity map[string]int
}

// CommunityOf reports the community id for a node.
func (r *CommunityResult) CommunityOf(nodeID string) (int, bool) {
	id, ok := r.NodeCommunity[nodeID]
	return id, ok
}

// DetectCommunities partitions snap's nodes by recursively bisecting along
// the Fiedler vector (the eigenvector of the normalized Laplacian's second
// smallest eigenvalue), approximated via power iteration since no
// general-purpose eigensolver is linked into this module: the dominant
// eigenvector of (I - L) is deflated out to isolate the Fiedler direction.
func DetectCommunities(ctx context.Context, snap *graphstore.Snapshot) *CommunityResult {
	_, span := communityTracer.Start(ctx, "drdsp.DetectCommunities")
	defer span.End()

	ids := make([]string, 0)
	snap.Nodes(func(id string, _ *graphstore.Node) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids) // deterministic ordering for reproducible bipartition

	result := &CommunityResult{NodeCommunity: make(map[string]int, len(ids))}
	if len(ids) == 0 {
		return result
	}

	nextID := 0
	bisect(snap, ids, 0, result, &nextID)

	span.SetAttributes(
		attribute.Int("node_count", len(ids)),
		attribute.Int("community_count", nextID),
	)
	return result
}

// bisect recursively splits group by sign of its Fiedler vector, assigning
// a fresh community id to each leaf.
func bisect(snap *graphstore.Snapshot, group []string, depth int, result *CommunityResult, nextID *int) {
	if depth >= maxSpectralDepth || len(group) <= minCommunitySize {
		assignAll(group, result, nextID)
		return
	}

	adj := buildSymmetricAdjacency(snap, group)
	fiedler, ok := fiedlerVector(adj)
	if !ok {
		assignAll(group, result, nextID)
		return
	}

	var left, right []string
	for i, id := range group {
		if fiedler[i] >= 0 {
			left = append(left, id)
		} else {
			right = append(right, id)
		}
	}

	if len(left) == 0 || len(right) == 0 {
		assignAll(group, result, nextID)
		return
	}

	bisect(snap, left, depth+1, result, nextID)
	bisect(snap, right, depth+1, result, nextID)
}

func assignAll(group []string, result *CommunityResult, nextID *int) {
	id := *nextID
	*nextID++
	for _, nodeID := range group {
		result.NodeCommunity[nodeID] = id
	}
}

// buildSymmetricAdjacency returns the symmetrized (undirected) adjacency
// weight matrix over group, restricted to sequence/dependency edges.
func buildSymmetricAdjacency(snap *graphstore.Snapshot, group []string) [][]float64 {
	index := make(map[string]int, len(group))
	for i, id := range group {
		index[id] = i
	}
	n := len(group)
	adj := make([][]float64, n)
	for i := range adj {
		adj[i] = make([]float64, n)
	}
	for _, id := range group {
		node, ok := snap.Node(id)
		if !ok {
			continue
		}
		i := index[id]
		for _, e := range node.Outgoing {
			if !e.Kind.RequiresAcyclic() {
				continue
			}
			j, ok := index[e.To]
			if !ok {
				continue
			}
			adj[i][j] += e.ConfidenceScore
			adj[j][i] += e.ConfidenceScore
		}
	}
	return adj
}

// fiedlerVector approximates the eigenvector of the normalized Laplacian
// L = I - D^{-1/2} A D^{-1/2} associated with its second-smallest
// eigenvalue, via power iteration on (I - L) with the trivial top
// eigenvector (proportional to D^{1/2}·1) deflated out.
func fiedlerVector(adj [][]float64) ([]float64, bool) {
	n := len(adj)
	if n < 2 {
		return nil, false
	}

	degree := make([]float64, n)
	for i := range adj {
		for j := range adj[i] {
			degree[i] += adj[i][j]
		}
	}
	for i := range degree {
		if degree[i] == 0 {
			degree[i] = 1e-9
		}
	}

	invSqrtDeg := make([]float64, n)
	for i := range degree {
		invSqrtDeg[i] = 1 / math.Sqrt(degree[i])
	}

	// normAdj = D^{-1/2} A D^{-1/2}; (I - L) == normAdj.
	normAdj := make([][]float64, n)
	for i := range normAdj {
		normAdj[i] = make([]float64, n)
		for j := range normAdj[i] {
			normAdj[i][j] = invSqrtDeg[i] * adj[i][j] * invSqrtDeg[j]
		}
	}

	// trivial eigenvector for eigenvalue 1: v0[i] = sqrt(degree[i]) / norm.
	trivial := make([]float64, n)
	var trivialNorm float64
	for i := range trivial {
		trivial[i] = math.Sqrt(degree[i])
		trivialNorm += trivial[i] * trivial[i]
	}
	trivialNorm = math.Sqrt(trivialNorm)
	if trivialNorm == 0 {
		return nil, false
	}
	for i := range trivial {
		trivial[i] /= trivialNorm
	}

	vec := make([]float64, n)
	for i := range vec {
		vec[i] = 1.0
		if i%2 == 1 {
			vec[i] = -1.0
		}
	}

	for iter := 0; iter < powerIterations; iter++ {
		next := matVec(normAdj, vec)
		deflate(next, trivial)
		if !normalize(next) {
			return nil, false
		}
		vec = next
	}
	return vec, true
}

func matVec(m [][]float64, v []float64) []float64 {
	out := make([]float64, len(v))
	for i := range m {
		sum := 0.0
		for j := range m[i] {
			sum += m[i][j] * v[j]
		}
		out[i] = sum
	}
	return out
}

func deflate(v, component []float64) {
	dot := 0.0
	for i := range v {
		dot += v[i] * component[i]
	}
	for i := range v {
		v[i] -= dot * component[i]
	}
}

func normalize(v []float64) bool {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm < 1e-12 {
		return false
	}
	for i := range v {
		v[i] /= norm
	}
	return true
}
