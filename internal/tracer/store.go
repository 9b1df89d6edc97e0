// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tracer

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/procedural-memory/pmcore/internal/domain"
)

const traceKeyPrefix = "trace:"

// minSamplePriority floors a never-scored record's priority so it still has
// a (small) chance of being sampled rather than being permanently excluded.
const minSamplePriority = 1e-3

// BadgerStore persists TraceRecords one key per record, gob-encoded with a
// trailing CRC32 so a torn write is detected rather than silently loaded,
// the same CRC-checked encoding internal/graphstore.SaveTo/LoadFrom uses.
type BadgerStore struct {
	db *dgbadger.DB
}

// NewBadgerStore wraps an already-open Badger handle. Callers own the
// handle's lifecycle (open via pkg/storage/badger, close on shutdown).
func NewBadgerStore(db *dgbadger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func traceKey(id string) []byte {
	return []byte(traceKeyPrefix + id)
}

type encodedRecord struct {
	Payload []byte
	CRC     uint32
}

func encodeRecord(rec domain.TraceRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, fmt.Errorf("tracer: encode record: %w", err)
	}
	enc := encodedRecord{Payload: buf.Bytes(), CRC: crc32.ChecksumIEEE(buf.Bytes())}

	var outer bytes.Buffer
	if err := gob.NewEncoder(&outer).Encode(enc); err != nil {
		return nil, fmt.Errorf("tracer: encode envelope: %w", err)
	}
	return outer.Bytes(), nil
}

func decodeRecord(raw []byte) (domain.TraceRecord, error) {
	var enc encodedRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&enc); err != nil {
		return domain.TraceRecord{}, fmt.Errorf("tracer: decode envelope: %w", err)
	}
	if crc32.ChecksumIEEE(enc.Payload) != enc.CRC {
		return domain.TraceRecord{}, fmt.Errorf("tracer: checksum mismatch, refusing to load record")
	}
	var rec domain.TraceRecord
	if err := gob.NewDecoder(bytes.NewReader(enc.Payload)).Decode(&rec); err != nil {
		return domain.TraceRecord{}, fmt.Errorf("tracer: decode record: %w", err)
	}
	return rec, nil
}

// Insert writes records in a single transaction. Badger's default
// transaction size limits cap how large a single flush batch can safely
// be; BufferSize (100) sits comfortably under that.
func (s *BadgerStore) Insert(ctx context.Context, records []domain.TraceRecord) error {
	return s.db.Update(func(txn *dgbadger.Txn) error {
		for _, rec := range records {
			raw, err := encodeRecord(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(traceKey(rec.ID), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateOutcome patches a previously-flushed record's Outcome field.
func (s *BadgerStore) UpdateOutcome(ctx context.Context, traceID string, outcome domain.Outcome) error {
	return s.db.Update(func(txn *dgbadger.Txn) error {
		item, err := txn.Get(traceKey(traceID))
		if err == dgbadger.ErrKeyNotFound {
			return fmt.Errorf("tracer: trace %s not found", traceID)
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		rec.Outcome = &outcome
		updated, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		return txn.Set(traceKey(traceID), updated)
	})
}

// DeleteOlderThan sweeps every record whose CreatedAt precedes cutoff and
// returns the count removed. Corrupted entries encountered mid-sweep are
// skipped rather than aborting the whole sweep, since a retention pass
// should make forward progress even over one bad record.
func (s *BadgerStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	cutoffUnixNano := cutoff.UnixNano()
	var stale [][]byte
	err := s.db.View(func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(traceKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}
			rec, err := decodeRecord(raw)
			if err != nil {
				continue
			}
			if rec.CreatedAt.UnixNano() < cutoffUnixNano {
				key := append([]byte(nil), item.Key()...)
				stale = append(stale, key)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("tracer: retention scan: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(txn *dgbadger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("tracer: retention delete: %w", err)
	}
	return len(stale), nil
}

// SampleByPriority draws up to limit records with probability proportional
// to Priority^beta, via the Efraimidis-Spirakis weighted reservoir key
// (u^(1/weight), keep the largest keys): a single pass over an unknown
// population size with no separate cumulative-weight table to build.
func (s *BadgerStore) SampleByPriority(ctx context.Context, beta float64, limit int) ([]domain.TraceRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	var all []domain.TraceRecord
	err := s.db.View(func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(traceKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			rec, err := decodeRecord(raw)
			if err != nil {
				continue
			}
			all = append(all, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tracer: priority sample scan: %w", err)
	}

	return weightedSample(all, beta, limit), nil
}

type sampleKey struct {
	rec domain.TraceRecord
	key float64
}

func weightedSample(records []domain.TraceRecord, beta float64, limit int) []domain.TraceRecord {
	if len(records) == 0 {
		return nil
	}
	keyed := make([]sampleKey, len(records))
	for i, rec := range records {
		priority := rec.Priority
		if priority <= 0 {
			priority = minSamplePriority
		}
		weight := math.Pow(priority, beta)
		u := rand.Float64()
		keyed[i] = sampleKey{rec: rec, key: math.Pow(u, 1/weight)}
	}
	sort.Slice(keyed, func(i, j int) bool { return keyed[i].key > keyed[j].key })

	if limit > len(keyed) {
		limit = len(keyed)
	}
	out := make([]domain.TraceRecord, limit)
	for i := 0; i < limit; i++ {
		out[i] = keyed[i].rec
	}
	return out
}

// UpdatePriority writes back a record's PER sampling priority after a
// training pass.
func (s *BadgerStore) UpdatePriority(ctx context.Context, traceID string, priority float64) error {
	return s.db.Update(func(txn *dgbadger.Txn) error {
		item, err := txn.Get(traceKey(traceID))
		if err == dgbadger.ErrKeyNotFound {
			return fmt.Errorf("tracer: trace %s not found", traceID)
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		rec.Priority = priority
		updated, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		return txn.Set(traceKey(traceID), updated)
	})
}
