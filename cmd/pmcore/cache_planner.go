// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/procedural-memory/pmcore/internal/cache"
	"github.com/procedural-memory/pmcore/internal/domain"
	"github.com/procedural-memory/pmcore/internal/planner"
)

// cacheTTL is how long a cached suggest_plan result stays valid before it
// is treated as a miss regardless of LRU position.
const cacheTTL = 10 * time.Minute

// cachingPlanner wraps a Planner with the result cache:
// InitialPlan results are content-addressed by intent + graph context and
// served from cache.Store until their TTL expires or LRU eviction drops
// them; entries carry no tool versions, so tool invalidation leaves them.
// Replan is never cached, since its input includes the in-flight
// execution's completed task results and is never repeated verbatim.
type cachingPlanner struct {
	inner *planner.Planner
	cache *cache.Store
}

func newCachingPlanner(inner *planner.Planner, c *cache.Store) *cachingPlanner {
	return &cachingPlanner{inner: inner, cache: c}
}

func (p *cachingPlanner) InitialPlan(ctx context.Context, intent string, graphContext map[string]any) (*domain.DAG, error) {
	fp := planFingerprint(intent, graphContext)
	if entry, ok := p.cache.Get(ctx, fp); ok {
		if dag, ok := entry.Result.(*domain.DAG); ok {
			return dag, nil
		}
	}

	start := time.Now()
	dag, err := p.inner.InitialPlan(ctx, intent, graphContext)
	if err != nil {
		return nil, err
	}

	p.cache.Set(ctx, fp, domain.CacheEntry{
		Fingerprint: fp,
		Result:      dag,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(cacheTTL),
		ComputeMs:   time.Since(start).Milliseconds(),
	})
	return dag, nil
}

func (p *cachingPlanner) Replan(ctx context.Context, current *domain.DAG, req planner.ReplanRequest) (*domain.DAG, error) {
	return p.inner.Replan(ctx, current, req)
}

// planFingerprint hashes intent alongside a deterministic encoding of
// graphContext: map keys are sorted before encoding so the same logical
// context never produces two different fingerprints.
func planFingerprint(intent string, graphContext map[string]any) domain.CacheFingerprint {
	keys := make([]string, 0, len(graphContext))
	for k := range graphContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, graphContext[k])
	}

	payload, _ := json.Marshal(struct {
		Intent  string
		Context []any
	}{Intent: intent, Context: ordered})

	sum := sha256.Sum256(payload)
	return domain.CacheFingerprint(hex.EncodeToString(sum[:]))
}
