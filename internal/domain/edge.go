// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package domain

import (
	"math"
	"time"
)

// EdgeKind classifies a DirectedEdge. Only Sequence and Dependency edges
// participate in the DAG-ness invariant; Contains,
// Uses, and CapabilityLink edges describe structural relationships that are
// not required to be acyclic.
type EdgeKind string

const (
	EdgeKindSequence       EdgeKind = "sequence"
	EdgeKindDependency     EdgeKind = "dependency"
	EdgeKindContains       EdgeKind = "contains"
	EdgeKindUses           EdgeKind = "uses"
	EdgeKindCapabilityLink EdgeKind = "capability_link"
)

// RequiresAcyclic reports whether this edge kind participates in the
// graph's DAG invariant.
func (k EdgeKind) RequiresAcyclic() bool {
	return k == EdgeKindSequence || k == EdgeKindDependency
}

// DecayLambda controls the exponential time-decay applied to a
// DirectedEdge's confidence on reinforcement:
//
//	confidence ← confidence·e^(-λ·Δt) + 1
//
// The default halves confidence after roughly 7 days of inactivity between
// observations.
const DecayLambda = 0.00413 // ln(2) / (7 * 24h in hours), hour-denominated

// DirectedEdge is a directed, weighted edge between two graph nodes. Its
// identity is the (from, to, kind) triple; reinforcing an
// existing edge increments ObservedCount and time-decays ConfidenceScore
// before adding 1, never replaces it outright.
type DirectedEdge struct {
	From            string
	To              string
	Kind            EdgeKind
	ObservedCount   int64
	ConfidenceScore float64
	LastObservedAt  time.Time

	// IsParallel is derived from timestamp overlap between sequence edges
	// sharing a predecessor; the overlap tolerance is a tunable knob, not a
	// hard-coded constant.
	IsParallel bool
}

// Reinforce applies the time-decay/increment rule for a repeated
// observation occurring at `now`.
func (e *DirectedEdge) Reinforce(now time.Time) {
	dt := now.Sub(e.LastObservedAt).Hours()
	if e.LastObservedAt.IsZero() {
		dt = 0
	}
	e.ConfidenceScore = e.ConfidenceScore*math.Exp(-DecayLambda*dt) + 1
	e.ObservedCount++
	e.LastObservedAt = now
}

// Key returns the triple identity used to index edges in the GraphStore.
func (e *DirectedEdge) Key() EdgeKey {
	return EdgeKey{From: e.From, To: e.To, Kind: e.Kind}
}

// EdgeKey is the (from, to, kind) identity of a DirectedEdge, usable as a
// map key.
type EdgeKey struct {
	From string
	To   string
	Kind EdgeKind
}
