// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scorer

import (
	"sync"

	"github.com/procedural-memory/pmcore/internal/domain"
)

// ClampParams bounds every SHGAT coefficient to the documented range
// regardless of where the value came from (a config file, a PER training
// step, or a zero-value default). Score already does this internally for
// whatever Params it is given; ClampParams exposes the same clamping to
// callers — chiefly the PER trainer — that mutate a Params value outside a
// Score call.
func ClampParams(p domain.Params) domain.Params {
	return domain.Params{
		Alpha:             clampAlpha(orDefault(p.Alpha, AlphaDefault)),
		ReliabilityFactor: clampReliability(p.ReliabilityFactor),
		StructuralBoost:   clampBoost(p.StructuralBoost),
	}
}

// ParamStore is the single-writer holder of SHGAT's live coefficients.
// The zero value is not usable; construct with NewParamStore.
type ParamStore struct {
	mu     sync.RWMutex
	params domain.Params
}

// NewParamStore returns a store seeded with the documented defaults.
func NewParamStore() *ParamStore {
	return &ParamStore{params: domain.Params{Alpha: AlphaDefault}}
}

// Params returns a consistent snapshot of the current coefficients.
func (s *ParamStore) Params() domain.Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// Update replaces the live coefficients, clamping to the documented bounds
// first so a training step can never push a coefficient out of range.
func (s *ParamStore) Update(next domain.Params) {
	clamped := ClampParams(next)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = clamped
}
