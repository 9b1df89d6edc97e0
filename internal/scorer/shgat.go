// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scorer implements SHGAT, the hybrid semantic+graph scorer that
// combines a candidate's semantic similarity to an intent with structural
// signals from drdsp into a single acceptance score.
package scorer

import (
	"math"

	"github.com/procedural-memory/pmcore/internal/domain"
)

const (
	// AlphaDefault, AlphaMin, AlphaMax bound the semantic/graph mix weight.
	AlphaDefault = 0.65
	AlphaMin     = 0.4
	AlphaMax     = 0.9

	// StructuralBoostMax bounds the spectral-cluster-match bonus.
	StructuralBoostMax = 0.2

	// ReliabilityFactorMax bounds the success-rate adjustment.
	ReliabilityFactorMax = 0.5

	// unreliableSuccessRate and unreliableMinUsage gate the
	// filtered_by_reliability decision.
	unreliableSuccessRate = 0.2
	unreliableMinUsage    = 5
)

// Input bundles everything Score needs to combine into a FinalScore. All
// signal fields are expected pre-computed by the caller (SHGAT itself does
// no graph traversal — that is drdsp's job) so Score stays a pure function.
type Input struct {
	Semantic             float64
	ToolsOverlap         float64
	SuccessRate          float64
	PageRank             float64
	AdamicAdar           float64
	GraphDensity         float64
	SpectralClusterMatch bool

	UsageCount int64

	Params domain.Params
}

// clampAlpha, clampBoost, clampReliability enforce the documented bounds
// regardless of what a caller or a config file supplies.
func clampAlpha(a float64) float64 {
	return clamp(a, AlphaMin, AlphaMax)
}

func clampBoost(b float64) float64 {
	return clamp(b, 0, StructuralBoostMax)
}

func clampReliability(r float64) float64 {
	return clamp(r, 0, ReliabilityFactorMax)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// graphSignal combines the structural signals (PageRank, Adamic-Adar,
// tools overlap, graph density) into a single [0,1]-ish quantity SHGAT
// mixes with the semantic score. Each component is already in a comparable
// range, so the combination is a simple bounded average rather than a
// learned projection — SHGAT's learned parameters are Alpha,
// ReliabilityFactor, StructuralBoost, not this mix.
func graphSignal(in Input) float64 {
	sum := in.PageRank + in.AdamicAdar + in.ToolsOverlap + in.GraphDensity
	return clamp(sum/4, 0, 1)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Score computes finalScore ∈ [0,1]:
//
//	final = sigmoid(α·semantic + (1-α)·graphSignal
//	                 + structuralBoost·1{spectralClusterMatch}
//	                 + reliabilityFactor·(successRate - 0.5))
func Score(in Input) (finalScore float64, signals domain.Signals, params domain.Params) {
	alpha := clampAlpha(orDefault(in.Params.Alpha, AlphaDefault))
	boost := clampBoost(in.Params.StructuralBoost)
	reliability := clampReliability(in.Params.ReliabilityFactor)

	graph := graphSignal(in)

	linear := alpha*in.Semantic + (1-alpha)*graph
	if in.SpectralClusterMatch {
		linear += boost
	}
	linear += reliability * (in.SuccessRate - 0.5)

	finalScore = clamp(sigmoid(linear), 0, 1)

	signals = domain.Signals{
		Semantic:             in.Semantic,
		GraphDensity:         in.GraphDensity,
		SpectralClusterMatch: in.SpectralClusterMatch,
		PageRank:             in.PageRank,
		AdamicAdar:           in.AdamicAdar,
		SuccessRate:          in.SuccessRate,
		ToolsOverlap:         in.ToolsOverlap,
	}
	params = domain.Params{Alpha: alpha, ReliabilityFactor: reliability, StructuralBoost: boost}
	return finalScore, signals, params
}

// IsUnreliable reports whether a candidate must be filtered regardless of
// its score: successRate below the reliability floor with at least
// unreliableMinUsage observed uses.
func IsUnreliable(in Input) bool {
	return in.SuccessRate < unreliableSuccessRate && in.UsageCount >= unreliableMinUsage
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
