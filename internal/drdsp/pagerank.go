// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package drdsp is the dynamic rank / dynamic subgraph-projection router:
// it maintains PageRank, community assignment, and Adamic–Adar co-occurrence
// scores over the GraphStore's directed-sequence projection, recomputing
// lazily and only when the underlying graph has actually changed.
package drdsp

import (
	"context"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/procedural-memory/pmcore/internal/graphstore"
)

var pageRankTracer = otel.Tracer("drdsp.pagerank")

const (
	DampingFactor        = 0.85
	MaxIterations         = 100
	ConvergenceThreshold  = 1e-6
)

// PageRankResult holds the converged (or best-effort) scores.
type PageRankResult struct {
	Scores     map[string]float64
	Iterations int
	Converged  bool
	MaxDiff    float64
}

// PageRank computes weighted PageRank over snap's directed-sequence
// projection: edges are weighted by ConfidenceScore rather than treated
// uniformly, since a once-observed sequence edge should carry less rank
// than a heavily reinforced one.
func PageRank(ctx context.Context, snap *graphstore.Snapshot) *PageRankResult {
	ctx, span := pageRankTracer.Start(ctx, "drdsp.PageRank")
	defer span.End()

	ids := make([]string, 0)
	snap.Nodes(func(id string, _ *graphstore.Node) bool {
		ids = append(ids, id)
		return true
	})
	n := float64(len(ids))
	if n == 0 {
		return &PageRankResult{Scores: map[string]float64{}, Converged: true}
	}
	span.SetAttributes(attribute.Int("node_count", len(ids)))

	// outWeight[id] = sum of ConfidenceScore over id's sequence/dependency
	// outgoing edges, used to normalize each contribution like out-degree
	// does in unweighted PageRank.
	outWeight := make(map[string]float64, len(ids))
	sinkIDs := make([]string, 0)
	for _, id := range ids {
		node, _ := snap.Node(id)
		w := 0.0
		for _, e := range node.Outgoing {
			if e.Kind.RequiresAcyclic() {
				w += e.ConfidenceScore
			}
		}
		outWeight[id] = w
		if w == 0 {
			sinkIDs = append(sinkIDs, id)
		}
	}

	d := DampingFactor
	scores := make(map[string]float64, len(ids))
	newScores := make(map[string]float64, len(ids))
	initial := 1.0 / n
	for _, id := range ids {
		scores[id] = initial
	}

	var iterations int
	var converged bool
	var maxDiff float64

	for iter := 0; iter < MaxIterations; iter++ {
		if ctx.Err() != nil {
			return &PageRankResult{Scores: scores, Iterations: iter, Converged: false, MaxDiff: maxDiff}
		}

		sinkContribution := 0.0
		for _, id := range sinkIDs {
			sinkContribution += scores[id]
		}
		sinkContribution = d * sinkContribution / n

		maxDiff = 0
		for _, id := range ids {
			node, _ := snap.Node(id)
			newScore := (1-d)/n + sinkContribution
			for _, e := range node.Incoming {
				if !e.Kind.RequiresAcyclic() {
					continue
				}
				fromWeight := outWeight[e.From]
				if fromWeight > 0 {
					newScore += d * scores[e.From] * (e.ConfidenceScore / fromWeight)
				}
			}
			newScores[id] = newScore
			if diff := math.Abs(newScore - scores[id]); diff > maxDiff {
				maxDiff = diff
			}
		}

		scores, newScores = newScores, scores
		iterations = iter + 1

		if maxDiff < ConvergenceThreshold {
			converged = true
			break
		}
	}

	span.SetAttributes(
		attribute.Int("iterations", iterations),
		attribute.Bool("converged", converged),
	)
	return &PageRankResult{Scores: scores, Iterations: iterations, Converged: converged, MaxDiff: maxDiff}
}
