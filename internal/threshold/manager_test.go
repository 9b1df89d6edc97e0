// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package threshold

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/procedural-memory/pmcore/internal/domain"
)

func TestThresholdFor_UnseenToolReturnsDefault(t *testing.T) {
	m := New()
	require.Equal(t, domain.DefaultThreshold, m.ThresholdFor("unknown"))
}

func TestThresholdFor_NeverBelowFloor(t *testing.T) {
	m := New()
	for i := 0; i < 50; i++ {
		m.Reward("flaky", false)
	}
	for i := 0; i < 1000; i++ {
		require.GreaterOrEqual(t, m.ThresholdFor("flaky"), domain.ThresholdFloor)
	}
}

func TestSetFloor_RaisesAcceptanceBar(t *testing.T) {
	m := New()
	m.Reward("flaky", false)
	m.SetFloor(0.55)
	for i := 0; i < 1000; i++ {
		require.GreaterOrEqual(t, m.ThresholdFor("flaky"), 0.55)
	}
}

func TestSetFloor_NeverGoesBelowDocumentedMinimum(t *testing.T) {
	m := New()
	m.Reward("flaky", false)
	m.SetFloor(0.1)
	for i := 0; i < 1000; i++ {
		require.GreaterOrEqual(t, m.ThresholdFor("flaky"), domain.ThresholdFloor)
	}
}

func TestReward_CreatesArmOnFirstObservation(t *testing.T) {
	m := New()
	_, ok := m.ArmSnapshot("tool-a")
	require.False(t, ok)

	m.Reward("tool-a", true)
	arm, ok := m.ArmSnapshot("tool-a")
	require.True(t, ok)
	require.Equal(t, 2.0, arm.Alpha)
	require.Equal(t, 1.0, arm.Beta)
}

func TestRestore_SeedsArmState(t *testing.T) {
	m := New()
	m.Restore([]domain.ThompsonArm{{ToolID: "tool-b", Alpha: 5, Beta: 2}})

	arm, ok := m.ArmSnapshot("tool-b")
	require.True(t, ok)
	require.Equal(t, 5.0, arm.Alpha)
	require.Equal(t, 2.0, arm.Beta)
}

func TestSampleBeta_MeanApproximatesExpectation(t *testing.T) {
	const n = 20000
	var sum float64
	for i := 0; i < n; i++ {
		sum += sampleBeta(8, 2)
	}
	mean := sum / n
	require.InDelta(t, 0.8, mean, 0.03)
}
