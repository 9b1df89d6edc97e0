// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scorer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/procedural-memory/pmcore/internal/domain"
)

func TestScore_BoundedToUnitInterval(t *testing.T) {
	in := Input{Semantic: 1, ToolsOverlap: 1, SuccessRate: 1, PageRank: 1, AdamicAdar: 10, GraphDensity: 1, SpectralClusterMatch: true}
	final, _, _ := Score(in)
	require.GreaterOrEqual(t, final, 0.0)
	require.LessOrEqual(t, final, 1.0)
}

func TestScore_HigherSemanticYieldsHigherScore(t *testing.T) {
	base := Input{Semantic: 0.1, SuccessRate: 0.5}
	better := Input{Semantic: 0.9, SuccessRate: 0.5}

	lowScore, _, _ := Score(base)
	highScore, _, _ := Score(better)
	require.Greater(t, highScore, lowScore)
}

func TestScore_AlphaClampedToBounds(t *testing.T) {
	_, _, params := Score(Input{Params: domain.Params{Alpha: 5}})
	require.Equal(t, AlphaMax, params.Alpha)

	_, _, params = Score(Input{Params: domain.Params{Alpha: -5}})
	require.Equal(t, AlphaMin, params.Alpha)
}

func TestIsUnreliable_RequiresMinimumUsage(t *testing.T) {
	require.False(t, IsUnreliable(Input{SuccessRate: 0.1, UsageCount: 4}))
	require.True(t, IsUnreliable(Input{SuccessRate: 0.1, UsageCount: 5}))
	require.False(t, IsUnreliable(Input{SuccessRate: 0.5, UsageCount: 100}))
}

type fixedThreshold float64

func (f fixedThreshold) ThresholdFor(string) float64 { return float64(f) }

func TestDecide_AcceptsAboveThreshold(t *testing.T) {
	req := DecideRequest{
		Input:      Input{Semantic: 0.9, SuccessRate: 0.8, UsageCount: 10},
		TargetID:   "cap-1",
		TargetType: domain.TargetTypeCapability,
		Mode:       domain.AlgorithmModeActiveSearch,
	}
	record := Decide(req, fixedThreshold(0.1), time.Now())
	require.Equal(t, domain.DecisionAccepted, record.Decision)
}

func TestDecide_RejectsBelowThreshold(t *testing.T) {
	req := DecideRequest{
		Input:    Input{Semantic: 0.01, SuccessRate: 0.01, UsageCount: 10},
		TargetID: "cap-1",
	}
	record := Decide(req, fixedThreshold(0.999), time.Now())
	require.Equal(t, domain.DecisionRejectedByThreshold, record.Decision)
}

func TestDecide_FiltersUnreliableRegardlessOfScore(t *testing.T) {
	req := DecideRequest{
		Input:    Input{Semantic: 1, SuccessRate: 0.05, UsageCount: 20},
		TargetID: "cap-1",
	}
	record := Decide(req, fixedThreshold(0), time.Now())
	require.Equal(t, domain.DecisionFilteredByReliability, record.Decision)
}
