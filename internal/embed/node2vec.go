// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embed

import (
	"math"
	"math/rand"
	"sort"

	"github.com/procedural-memory/pmcore/internal/domain"
	"github.com/procedural-memory/pmcore/internal/graphstore"
)

// StructuralOptions tunes the Node2Vec-style graph embedding. Zero values
// are replaced with the documented defaults.
type StructuralOptions struct {
	WalksPerNode int // default 40
	WalkLength   int // default 15
	Window       int // default 5
	Dim          int // default 64
	BGEWeight    float64 // default 0.3, weight given to the semantic half
}

func (o *StructuralOptions) withDefaults() StructuralOptions {
	out := *o
	if out.WalksPerNode <= 0 {
		out.WalksPerNode = 40
	}
	if out.WalkLength <= 0 {
		out.WalkLength = 15
	}
	if out.Window <= 0 {
		out.Window = 5
	}
	if out.Dim <= 0 {
		out.Dim = 64
	}
	if out.BGEWeight <= 0 {
		out.BGEWeight = 0.3
	}
	return out
}

// bipartiteAdjacency builds the capability<->tool adjacency from the
// store's hyperedges: a capability's hyperedge groups its tool members, so
// walking it directly gives the bipartite graph the spec calls for,
// without re-deriving membership from DirectedEdge kinds.
func bipartiteAdjacency(snap *graphstore.Snapshot) map[string][]string {
	adj := make(map[string][]string)
	snap.Nodes(func(id string, n *graphstore.Node) bool {
		if n.Kind != domain.NodeKindCapability {
			return true
		}
		h, ok := snap.Hyperedge(domain.HyperedgeID(id))
		if !ok {
			return true
		}
		members := append(append([]string{}, h.Sources...), h.Targets...)
		for _, m := range members {
			adj[id] = append(adj[id], m)
			adj[m] = append(adj[m], id)
		}
		return true
	})
	return adj
}

// randomWalks performs walksPerNode walks of length walkLength from every
// node that has at least one neighbor, alternating sides of the bipartite
// graph by construction (every edge in adj crosses capability/tool).
func randomWalks(adj map[string][]string, walksPerNode, walkLength int, rng *rand.Rand) [][]string {
	nodes := make([]string, 0, len(adj))
	for id := range adj {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes) // deterministic iteration order; randomness comes from rng only

	walks := make([][]string, 0, len(nodes)*walksPerNode)
	for _, start := range nodes {
		for w := 0; w < walksPerNode; w++ {
			walk := make([]string, 0, walkLength)
			cur := start
			walk = append(walk, cur)
			for step := 1; step < walkLength; step++ {
				neighbors := adj[cur]
				if len(neighbors) == 0 {
					break
				}
				cur = neighbors[rng.Intn(len(neighbors))]
				walk = append(walk, cur)
			}
			walks = append(walks, walk)
		}
	}
	return walks
}

// coOccurrence counts, for every pair of nodes appearing within window
// positions of each other across all walks, how often that happens.
func coOccurrence(walks [][]string, window int) (map[string]map[string]float64, []string) {
	counts := make(map[string]map[string]float64)
	seen := make(map[string]struct{})

	bump := func(a, b string) {
		if counts[a] == nil {
			counts[a] = make(map[string]float64)
		}
		counts[a][b]++
	}

	for _, walk := range walks {
		for i, center := range walk {
			seen[center] = struct{}{}
			lo := i - window
			if lo < 0 {
				lo = 0
			}
			hi := i + window
			if hi >= len(walk) {
				hi = len(walk) - 1
			}
			for j := lo; j <= hi; j++ {
				if j == i {
					continue
				}
				bump(center, walk[j])
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return counts, ids
}

// positivePMI converts raw co-occurrence counts into a positive-PMI
// similarity matrix indexed in the order of ids: PPMI(a,b) =
// max(0, log(P(a,b) / (P(a)·P(b)))).
func positivePMI(counts map[string]map[string]float64, ids []string) [][]float64 {
	n := len(ids)
	index := make(map[string]int, n)
	for i, id := range ids {
		index[id] = i
	}

	rowTotal := make([]float64, n)
	var grandTotal float64
	for a, row := range counts {
		i, ok := index[a]
		if !ok {
			continue
		}
		for _, c := range row {
			rowTotal[i] += c
			grandTotal += c
		}
	}
	if grandTotal == 0 {
		return make([][]float64, n)
	}

	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
	}
	for a, row := range counts {
		i, ok := index[a]
		if !ok {
			continue
		}
		for b, c := range row {
			j, ok := index[b]
			if !ok {
				continue
			}
			pAB := c / grandTotal
			pA := rowTotal[i] / grandTotal
			pB := rowTotal[j] / grandTotal
			if pA == 0 || pB == 0 {
				continue
			}
			pmi := math.Log(pAB / (pA * pB))
			if pmi > 0 {
				matrix[i][j] = pmi
			}
		}
	}
	return matrix
}

// factorByPowerIteration approximates a rank-dim embedding of a symmetric
// similarity matrix via repeated power iteration with deflation — the same
// technique used for PageRank and spectral bipartition elsewhere in this
// module, avoiding a dependency on a general-purpose SVD/eigensolver
// library absent from the retrieved example pack.
func factorByPowerIteration(matrix [][]float64, dim int, rng *rand.Rand) [][]float64 {
	n := len(matrix)
	embedding := make([][]float64, n)
	for i := range embedding {
		embedding[i] = make([]float64, dim)
	}
	if n == 0 {
		return embedding
	}

	work := make([][]float64, n)
	for i := range work {
		work[i] = append([]float64{}, matrix[i]...)
	}

	for d := 0; d < dim; d++ {
		vec := make([]float64, n)
		for i := range vec {
			vec[i] = rng.Float64()*2 - 1
		}
		var eigenvalue float64
		for iter := 0; iter < 50; iter++ {
			next := matVec(work, vec)
			norm := l2Norm(next)
			if norm < 1e-12 {
				break
			}
			for i := range next {
				next[i] /= norm
			}
			eigenvalue = norm
			vec = next
		}
		for i := range embedding {
			embedding[i][d] = vec[i] * math.Sqrt(math.Abs(eigenvalue))
		}
		deflateMatrix(work, vec, eigenvalue)
	}
	return embedding
}

func matVec(m [][]float64, v []float64) []float64 {
	out := make([]float64, len(v))
	for i := range m {
		var sum float64
		for j := range m[i] {
			sum += m[i][j] * v[j]
		}
		out[i] = sum
	}
	return out
}

func l2Norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func deflateMatrix(m [][]float64, vec []float64, eigenvalue float64) {
	for i := range m {
		for j := range m[i] {
			m[i][j] -= eigenvalue * vec[i] * vec[j]
		}
	}
}

// StructuralEmbeddings computes a graph-structural embedding for every
// capability/tool reachable through the store's hyperedges, following a
// walk -> co-occurrence -> PPMI -> factorize -> normalize pipeline. rng is
// caller-supplied so callers needing determinism (tests) can seed it.
func StructuralEmbeddings(snap *graphstore.Snapshot, opts StructuralOptions, rng *rand.Rand) map[string]domain.Embedding {
	opts = opts.withDefaults()

	adj := bipartiteAdjacency(snap)
	if len(adj) == 0 {
		return map[string]domain.Embedding{}
	}

	walks := randomWalks(adj, opts.WalksPerNode, opts.WalkLength, rng)
	counts, ids := coOccurrence(walks, opts.Window)
	ppmi := positivePMI(counts, ids)
	factors := factorByPowerIteration(ppmi, opts.Dim, rng)

	out := make(map[string]domain.Embedding, len(ids))
	for i, id := range ids {
		vec := toFloat32Embedding(factors[i])
		out[id] = vec.Normalize()
	}
	return out
}

func toFloat32Embedding(in []float64) domain.Embedding {
	out := make(domain.Embedding, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
