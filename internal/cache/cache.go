// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache implements the result cache: a
// content-addressed, fixed-size LRU over domain.CacheEntry with TTL and
// tool-version invalidation. Entries evicted from the in-memory LRU while
// still unexpired are optionally written through to a Badger-backed
// overflow tier rather than discarded outright.
package cache

import (
	"bytes"
	"container/list"
	"context"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/dustin/go-humanize"

	"github.com/procedural-memory/pmcore/internal/domain"
)

// baseOverheadBytes and bytesPerEntry give a conservative per-entry memory
// estimate rather than a reflective measurement.
const (
	baseOverheadBytes = 1024
	bytesPerEntry     = 512
)

const overflowKeyPrefix = "cacheoverflow:"

type lruElem struct {
	fingerprint domain.CacheFingerprint
	entry       domain.CacheEntry
}

// Stats reports the result cache's hit/miss/eviction counters.
type Stats struct {
	Hits              int64
	Misses            int64
	HitRate           float64
	TotalSavedMs      int64
	AvgLatencySavedMs float64
	CurrentEntries    int
	Evictions         int
}

// Store is the result cache's LRU+overflow machinery. The zero value is not
// usable; construct with New.
type Store struct {
	mu       sync.Mutex
	capacity int
	items    map[domain.CacheFingerprint]*list.Element
	order    *list.List // front = most recently used

	overflow *dgbadger.DB // nil disables the overflow tier

	hits, misses, evictions int64
	totalSavedMs             int64
	hitsWithSavings          int64
}

// New returns a Store bounded at capacity in-memory entries. overflow may be
// nil, in which case entries evicted from the LRU are simply discarded.
func New(capacity int, overflow *dgbadger.DB) *Store {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Store{
		capacity: capacity,
		items:    make(map[domain.CacheFingerprint]*list.Element, capacity),
		order:    list.New(),
		overflow: overflow,
	}
}

// Get returns the entry for fingerprint, bumping its LRU position and hit
// count. A TTL-expired entry is treated as a miss and is itself removed,
// counting as an eviction. A miss in the in-memory tier falls through to
// the overflow tier, promoting the entry back into the LRU on a hit there.
func (s *Store) Get(ctx context.Context, fingerprint domain.CacheFingerprint) (domain.CacheEntry, bool) {
	now := time.Now()

	s.mu.Lock()
	if elem, ok := s.items[fingerprint]; ok {
		le := elem.Value.(*lruElem)
		if le.entry.Expired(now) {
			s.removeElementLocked(elem)
			s.evictions++
			s.misses++
			s.mu.Unlock()
			return domain.CacheEntry{}, false
		}
		le.entry.HitCount++
		s.order.MoveToFront(elem)
		s.hits++
		if le.entry.ComputeMs > 0 {
			s.totalSavedMs += le.entry.ComputeMs
			s.hitsWithSavings++
		}
		out := le.entry
		s.mu.Unlock()
		return out, true
	}
	s.mu.Unlock()

	entry, ok := s.getFromOverflow(ctx, fingerprint)
	if !ok {
		s.mu.Lock()
		s.misses++
		s.mu.Unlock()
		return domain.CacheEntry{}, false
	}
	if entry.Expired(now) {
		s.deleteFromOverflow(ctx, fingerprint)
		s.mu.Lock()
		s.evictions++
		s.misses++
		s.mu.Unlock()
		return domain.CacheEntry{}, false
	}

	entry.HitCount++
	s.mu.Lock()
	s.hits++
	if entry.ComputeMs > 0 {
		s.totalSavedMs += entry.ComputeMs
		s.hitsWithSavings++
	}
	s.insertLocked(fingerprint, entry)
	s.mu.Unlock()
	return entry, true
}

// Set stores entry under fingerprint, evicting the least recently used
// in-memory entry to the overflow tier (if one exists and the cache is
// full).
func (s *Store) Set(ctx context.Context, fingerprint domain.CacheFingerprint, entry domain.CacheEntry) {
	entry.Fingerprint = fingerprint
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	var spilled *lruElem
	s.mu.Lock()
	if elem, ok := s.items[fingerprint]; ok {
		elem.Value.(*lruElem).entry = entry
		s.order.MoveToFront(elem)
		s.mu.Unlock()
		return
	}
	if s.order.Len() >= s.capacity {
		spilled = s.evictOldestLocked()
	}
	s.insertLocked(fingerprint, entry)
	s.mu.Unlock()

	if spilled != nil {
		s.writeToOverflow(ctx, spilled.fingerprint, spilled.entry)
	}
}

// insertLocked adds a fresh entry at the front. Caller must hold s.mu.
func (s *Store) insertLocked(fingerprint domain.CacheFingerprint, entry domain.CacheEntry) {
	le := &lruElem{fingerprint: fingerprint, entry: entry}
	elem := s.order.PushFront(le)
	s.items[fingerprint] = elem
}

// evictOldestLocked removes the back-of-list entry and returns it so the
// caller can decide what to do with it (write through to overflow). Caller
// must hold s.mu.
func (s *Store) evictOldestLocked() *lruElem {
	elem := s.order.Back()
	if elem == nil {
		return nil
	}
	le := elem.Value.(*lruElem)
	s.removeElementLocked(elem)
	s.evictions++
	return le
}

// removeElementLocked removes elem from both the list and the index. Caller
// must hold s.mu.
func (s *Store) removeElementLocked(elem *list.Element) {
	le := elem.Value.(*lruElem)
	s.order.Remove(elem)
	delete(s.items, le.fingerprint)
}

// Invalidate removes every entry, in memory or overflowed, whose
// ToolVersions mentions toolName, returning the count removed. A tool
// version bump means any cached result produced under the old version is
// no longer trustworthy.
func (s *Store) Invalidate(ctx context.Context, toolName string) int {
	removed := 0

	s.mu.Lock()
	var stale []*list.Element
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		le := elem.Value.(*lruElem)
		if _, ok := le.entry.ToolVersions[toolName]; ok {
			stale = append(stale, elem)
		}
	}
	for _, elem := range stale {
		s.removeElementLocked(elem)
		removed++
	}
	s.mu.Unlock()

	removed += s.invalidateOverflow(ctx, toolName)
	return removed
}

// Clear empties both the in-memory LRU and the overflow tier, resetting
// statistics.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	s.items = make(map[domain.CacheFingerprint]*list.Element, s.capacity)
	s.order.Init()
	s.hits, s.misses, s.evictions = 0, 0, 0
	s.totalSavedMs, s.hitsWithSavings = 0, 0
	s.mu.Unlock()

	if s.overflow == nil {
		return
	}
	_ = s.overflow.DropPrefix([]byte(overflowKeyPrefix))
}

// Stats computes a point-in-time snapshot of the cache's counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.hits + s.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(s.hits) / float64(total)
	}
	var avgSaved float64
	if s.hitsWithSavings > 0 {
		avgSaved = float64(s.totalSavedMs) / float64(s.hitsWithSavings)
	}
	return Stats{
		Hits:              s.hits,
		Misses:            s.misses,
		HitRate:           hitRate,
		TotalSavedMs:      s.totalSavedMs,
		AvgLatencySavedMs: avgSaved,
		CurrentEntries:    s.order.Len(),
		Evictions:         int(s.evictions),
	}
}

// EstimatedMemoryBytes approximates the in-memory LRU's footprint.
func (s *Store) EstimatedMemoryBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return baseOverheadBytes + int64(s.order.Len())*bytesPerEntry
}

// HumanMemory renders EstimatedMemoryBytes in human-readable form for log
// lines.
func (s *Store) HumanMemory() string {
	return humanize.Bytes(uint64(s.EstimatedMemoryBytes()))
}

// --- overflow tier -----------------------------------------------------

// overflowEnvelope wraps a gob-encoded CacheEntry with a trailing CRC32, the
// same torn-write guard internal/tracer.BadgerStore uses. Result must be a
// concrete, gob-registered type for an entry to survive a round trip through
// the overflow tier; entries whose Result cannot be gob-encoded are simply
// dropped on eviction rather than erroring the caller.
type overflowEnvelope struct {
	Payload []byte
	CRC     uint32
}

func overflowKey(fingerprint domain.CacheFingerprint) []byte {
	return []byte(overflowKeyPrefix + string(fingerprint))
}

func encodeOverflowEntry(entry domain.CacheEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, fmt.Errorf("cache: encode overflow entry: %w", err)
	}
	env := overflowEnvelope{Payload: buf.Bytes(), CRC: crc32.ChecksumIEEE(buf.Bytes())}

	var outer bytes.Buffer
	if err := gob.NewEncoder(&outer).Encode(env); err != nil {
		return nil, fmt.Errorf("cache: encode overflow envelope: %w", err)
	}
	return outer.Bytes(), nil
}

func decodeOverflowEntry(raw []byte) (domain.CacheEntry, error) {
	var env overflowEnvelope
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&env); err != nil {
		return domain.CacheEntry{}, fmt.Errorf("cache: decode overflow envelope: %w", err)
	}
	if crc32.ChecksumIEEE(env.Payload) != env.CRC {
		return domain.CacheEntry{}, fmt.Errorf("cache: overflow checksum mismatch, refusing to load entry")
	}
	var entry domain.CacheEntry
	if err := gob.NewDecoder(bytes.NewReader(env.Payload)).Decode(&entry); err != nil {
		return domain.CacheEntry{}, fmt.Errorf("cache: decode overflow entry: %w", err)
	}
	return entry, nil
}

func (s *Store) writeToOverflow(ctx context.Context, fingerprint domain.CacheFingerprint, entry domain.CacheEntry) {
	if s.overflow == nil {
		return
	}
	raw, err := encodeOverflowEntry(entry)
	if err != nil {
		// Result isn't gob-encodable; the entry is lost on eviction, same as
		// running with no overflow tier configured.
		return
	}
	_ = s.overflow.Update(func(txn *dgbadger.Txn) error {
		return txn.Set(overflowKey(fingerprint), raw)
	})
}

func (s *Store) getFromOverflow(ctx context.Context, fingerprint domain.CacheFingerprint) (domain.CacheEntry, bool) {
	if s.overflow == nil {
		return domain.CacheEntry{}, false
	}
	var entry domain.CacheEntry
	err := s.overflow.View(func(txn *dgbadger.Txn) error {
		item, err := txn.Get(overflowKey(fingerprint))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		decoded, err := decodeOverflowEntry(raw)
		if err != nil {
			return err
		}
		entry = decoded
		return nil
	})
	if err != nil {
		return domain.CacheEntry{}, false
	}
	s.deleteFromOverflow(ctx, fingerprint)
	return entry, true
}

func (s *Store) deleteFromOverflow(ctx context.Context, fingerprint domain.CacheFingerprint) {
	if s.overflow == nil {
		return
	}
	_ = s.overflow.Update(func(txn *dgbadger.Txn) error {
		return txn.Delete(overflowKey(fingerprint))
	})
}

func (s *Store) invalidateOverflow(ctx context.Context, toolName string) int {
	if s.overflow == nil {
		return 0
	}
	var stale [][]byte
	_ = s.overflow.View(func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(overflowKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			entry, err := decodeOverflowEntry(raw)
			if err != nil {
				continue
			}
			if _, ok := entry.ToolVersions[toolName]; ok {
				key := append([]byte(nil), it.Item().Key()...)
				stale = append(stale, key)
			}
		}
		return nil
	})
	if len(stale) == 0 {
		return 0
	}
	_ = s.overflow.Update(func(txn *dgbadger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	return len(stale)
}
