// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package domain

import "time"

// CacheFingerprint is the content-addressed key for a cached execution
// result: a hash of canonicalized code/intent, context, and the tool-version
// set in effect when the result was produced.
type CacheFingerprint string

// CacheEntry is one stored execution result. internal/cache wraps a map of
// these in an LRU with TTL and tool-version invalidation; this struct is the
// payload, not the eviction machinery.
type CacheEntry struct {
	Fingerprint  CacheFingerprint
	Result       any
	ToolVersions map[string]string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	HitCount     int64

	// ComputeMs is how long producing Result took the first time. Every
	// later cache hit saves (approximately) this much latency, which
	// internal/cache accumulates into its totalSavedMs statistic.
	ComputeMs int64
}

// Expired reports whether the entry is past its TTL as of now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// StaleToolVersions reports whether any tool version recorded at write time
// no longer matches current, meaning the cached result may no longer be
// reproducible.
func (e *CacheEntry) StaleToolVersions(current map[string]string) bool {
	for tool, version := range e.ToolVersions {
		if cv, ok := current[tool]; ok && cv != version {
			return true
		}
	}
	return false
}
