// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package threshold implements the Adaptive Threshold Manager: a Thompson
// Sampling bandit over each tool's historical acceptance outcomes, so the
// acceptance bar rises for tools that keep succeeding and falls (down to a
// floor) for tools that keep failing.
package threshold

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/procedural-memory/pmcore/internal/domain"
)

// Manager holds one domain.ThompsonArm per observed tool. The zero value
// is not usable; construct with New.
type Manager struct {
	mu    sync.RWMutex
	arms  map[string]*domain.ThompsonArm
	floor float64
}

// New returns an empty Manager; tools are registered lazily on first
// Reward/ThresholdFor call.
func New() *Manager {
	return &Manager{arms: make(map[string]*domain.ThompsonArm), floor: domain.ThresholdFloor}
}

// SetFloor overrides the sampled-threshold floor, clamping to
// domain.ThresholdFloor so a config reload can never push it below the
// documented minimum.
func (m *Manager) SetFloor(floor float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.floor = math.Max(domain.ThresholdFloor, floor)
}

// ThresholdFor samples a threshold from the tool's Beta(alpha, beta)
// posterior and floors it at the manager's configured floor. An unseen
// tool returns DefaultThreshold without creating an arm, so a pure lookup
// never mutates state.
func (m *Manager) ThresholdFor(toolID string) float64 {
	m.mu.RLock()
	arm, ok := m.arms[toolID]
	floor := m.floor
	m.mu.RUnlock()
	if !ok {
		return domain.DefaultThreshold
	}

	sample := sampleBeta(arm.Alpha, arm.Beta)
	return math.Max(floor, sample)
}

// Reward updates the tool's posterior after an accepted suggestion's
// outcome becomes known, creating the arm with a uniform Beta(1,1) prior
// if this is the tool's first observation.
func (m *Manager) Reward(toolID string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	arm, ok := m.arms[toolID]
	if !ok {
		arm = domain.NewThompsonArm(toolID)
		m.arms[toolID] = arm
	}
	arm.Reward(success)
}

// ArmSnapshot exposes a tool's posterior parameters, for operational
// introspection and persistence; Restore seeds arms back from such
// snapshots.
func (m *Manager) ArmSnapshot(toolID string) (domain.ThompsonArm, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	arm, ok := m.arms[toolID]
	if !ok {
		return domain.ThompsonArm{}, false
	}
	return *arm, true
}

// Restore seeds the manager's arm state, used when rehydrating from a
// persisted snapshot rather than starting every tool from a uniform prior.
func (m *Manager) Restore(arms []domain.ThompsonArm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range arms {
		arm := a
		m.arms[a.ToolID] = &arm
	}
}

// sampleBeta draws from Beta(alpha, beta) via the standard two-Gamma
// construction: X ~ Gamma(alpha,1), Y ~ Gamma(beta,1), X/(X+Y) ~
// Beta(alpha,beta). No third-party distribution sampler is linked into
// this module, so the Gamma draw itself uses the Marsaglia-Tsang
// rejection method directly against math/rand/v2.
func sampleBeta(alpha, beta float64) float64 {
	x := sampleGamma(alpha)
	y := sampleGamma(beta)
	if x+y == 0 {
		return 0
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) via Marsaglia & Tsang (2000). For
// shape < 1 it uses the standard boosting trick: draw from Gamma(shape+1,1)
// and scale by U^(1/shape).
func sampleGamma(shape float64) float64 {
	if shape < 1 {
		u := rand.Float64()
		return sampleGamma(shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)

	for {
		var x, v float64
		for {
			x = rand.NormFloat64()
			v = 1 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rand.Float64()

		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
