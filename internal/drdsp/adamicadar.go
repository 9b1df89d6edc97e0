// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package drdsp

import (
	"math"

	"github.com/procedural-memory/pmcore/internal/graphstore"
)

// AdamicAdar scores co-occurrence between a query node q and a candidate c
// as Σ_{z ∈ Γ(q)∩Γ(c)} 1/log|Γ(z)|, where Γ(x) is x's neighbor set over
// sequence/dependency edges in either direction. A neighbor z with |Γ(z)|
// in {0, 1} contributes 0, since 1/log(1) is undefined and 1/log(0) would
// be negative.
func AdamicAdar(snap *graphstore.Snapshot, q, c string) float64 {
	qNode, ok := snap.Node(q)
	if !ok {
		return 0
	}
	cNode, ok := snap.Node(c)
	if !ok {
		return 0
	}

	qNeighbors := neighborSet(qNode)
	cNeighbors := neighborSet(cNode)

	var score float64
	for z := range qNeighbors {
		if _, shared := cNeighbors[z]; !shared {
			continue
		}
		zNode, ok := snap.Node(z)
		if !ok {
			continue
		}
		degree := len(neighborSet(zNode))
		if degree <= 1 {
			continue
		}
		score += 1 / math.Log(float64(degree))
	}
	return score
}

func neighborSet(n *graphstore.Node) map[string]struct{} {
	set := make(map[string]struct{}, len(n.Outgoing)+len(n.Incoming))
	for _, e := range n.Outgoing {
		if e.Kind.RequiresAcyclic() {
			set[e.To] = struct{}{}
		}
	}
	for _, e := range n.Incoming {
		if e.Kind.RequiresAcyclic() {
			set[e.From] = struct{}{}
		}
	}
	return set
}
