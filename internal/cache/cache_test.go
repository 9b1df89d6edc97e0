// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/procedural-memory/pmcore/internal/domain"
)

func TestGetSet_RoundTripsAndBumpsHitCount(t *testing.T) {
	s := New(10, nil)
	ctx := context.Background()

	s.Set(ctx, "fp-1", domain.CacheEntry{Result: "result-1"})
	got, ok := s.Get(ctx, "fp-1")
	require.True(t, ok)
	require.Equal(t, "result-1", got.Result)
	require.Equal(t, int64(1), got.HitCount)

	got2, ok := s.Get(ctx, "fp-1")
	require.True(t, ok)
	require.Equal(t, int64(2), got2.HitCount)
}

func TestGet_MissingFingerprintIsMiss(t *testing.T) {
	s := New(10, nil)
	_, ok := s.Get(context.Background(), "nope")
	require.False(t, ok)

	stats := s.Stats()
	require.Equal(t, int64(0), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
}

func TestGet_ExpiredEntryCountsAsMissAndEviction(t *testing.T) {
	s := New(10, nil)
	ctx := context.Background()
	s.Set(ctx, "fp-1", domain.CacheEntry{
		Result:    "stale",
		ExpiresAt: time.Now().Add(-time.Minute),
	})

	_, ok := s.Get(ctx, "fp-1")
	require.False(t, ok)

	stats := s.Stats()
	require.Equal(t, 1, stats.Evictions)
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, 0, stats.CurrentEntries)
}

func TestSet_EvictsLeastRecentlyUsedOnOverflow(t *testing.T) {
	s := New(2, nil)
	ctx := context.Background()

	s.Set(ctx, "fp-1", domain.CacheEntry{Result: 1})
	s.Set(ctx, "fp-2", domain.CacheEntry{Result: 2})
	// Touch fp-1 so fp-2 becomes the LRU victim.
	_, _ = s.Get(ctx, "fp-1")
	s.Set(ctx, "fp-3", domain.CacheEntry{Result: 3})

	_, ok := s.Get(ctx, "fp-2")
	require.False(t, ok, "fp-2 should have been evicted as the least recently used entry")

	_, ok = s.Get(ctx, "fp-1")
	require.True(t, ok)
	_, ok = s.Get(ctx, "fp-3")
	require.True(t, ok)

	require.Equal(t, 1, s.Stats().Evictions)
}

func TestInvalidate_RemovesOnlyEntriesMentioningToolName(t *testing.T) {
	s := New(10, nil)
	ctx := context.Background()
	s.Set(ctx, "fp-1", domain.CacheEntry{ToolVersions: map[string]string{"grep": "v1"}})
	s.Set(ctx, "fp-2", domain.CacheEntry{ToolVersions: map[string]string{"curl": "v3"}})

	removed := s.Invalidate(ctx, "grep")
	require.Equal(t, 1, removed)

	_, ok := s.Get(ctx, "fp-1")
	require.False(t, ok)
	_, ok = s.Get(ctx, "fp-2")
	require.True(t, ok)
}

func TestStats_ComputesHitRateAndAverageSavedLatency(t *testing.T) {
	s := New(10, nil)
	ctx := context.Background()
	s.Set(ctx, "fp-1", domain.CacheEntry{Result: "r", ComputeMs: 200})

	_, _ = s.Get(ctx, "fp-1") // hit, +200ms saved
	_, _ = s.Get(ctx, "missing")

	stats := s.Stats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
	require.InDelta(t, 0.5, stats.HitRate, 0.0001)
	require.Equal(t, int64(200), stats.TotalSavedMs)
	require.InDelta(t, 200.0, stats.AvgLatencySavedMs, 0.0001)
}

func TestClear_ResetsEntriesAndStats(t *testing.T) {
	s := New(10, nil)
	ctx := context.Background()
	s.Set(ctx, "fp-1", domain.CacheEntry{Result: "r"})
	_, _ = s.Get(ctx, "fp-1")

	s.Clear(ctx)

	require.Equal(t, 0, s.Stats().CurrentEntries)
	require.Equal(t, int64(0), s.Stats().Hits)
	_, ok := s.Get(ctx, "fp-1")
	require.False(t, ok)
}

func TestEstimatedMemoryBytes_GrowsWithEntryCount(t *testing.T) {
	s := New(10, nil)
	ctx := context.Background()
	empty := s.EstimatedMemoryBytes()

	s.Set(ctx, "fp-1", domain.CacheEntry{Result: "r"})
	require.Greater(t, s.EstimatedMemoryBytes(), empty)
}

func TestSet_UpdatingExistingFingerprintDoesNotDuplicateEntry(t *testing.T) {
	s := New(10, nil)
	ctx := context.Background()
	s.Set(ctx, "fp-1", domain.CacheEntry{Result: "first"})
	s.Set(ctx, "fp-1", domain.CacheEntry{Result: "second"})

	require.Equal(t, 1, s.Stats().CurrentEntries)
	got, ok := s.Get(ctx, "fp-1")
	require.True(t, ok)
	require.Equal(t, "second", got.Result)
}
