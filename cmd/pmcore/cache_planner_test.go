// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procedural-memory/pmcore/internal/cache"
	"github.com/procedural-memory/pmcore/internal/domain"
)

func TestPlanFingerprint_StableRegardlessOfMapKeyOrder(t *testing.T) {
	a := map[string]any{"zone": "billing", "depth": 2}
	b := map[string]any{"depth": 2, "zone": "billing"}

	assert.Equal(t, planFingerprint("refund a charge", a), planFingerprint("refund a charge", b))
}

func TestPlanFingerprint_DiffersOnIntentOrContext(t *testing.T) {
	base := planFingerprint("refund a charge", map[string]any{"zone": "billing"})

	assert.NotEqual(t, base, planFingerprint("issue a refund", map[string]any{"zone": "billing"}))
	assert.NotEqual(t, base, planFingerprint("refund a charge", map[string]any{"zone": "support"}))
}

func TestCachingPlanner_SecondCallForSameIntentIsServedFromCache(t *testing.T) {
	dag := &domain.DAG{ID: "dag-1", Intent: "refund a charge"}
	c := cache.New(10, nil)
	p := &cachingPlanner{inner: nil, cache: c}

	fp := planFingerprint("refund a charge", nil)
	c.Set(context.Background(), fp, domain.CacheEntry{Fingerprint: fp, Result: dag})

	got, err := p.InitialPlan(context.Background(), "refund a charge", nil)
	require.NoError(t, err)
	assert.Same(t, dag, got)
}
