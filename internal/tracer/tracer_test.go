// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tracer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/procedural-memory/pmcore/internal/domain"
)

var errTraceNotFound = errors.New("fakeStore: trace not found")

// fakeStore is an in-memory Store used so the buffering/flush logic can be
// tested without standing up Badger.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]domain.TraceRecord
	inserts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]domain.TraceRecord)}
}

func (f *fakeStore) Insert(ctx context.Context, records []domain.TraceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	for _, r := range records {
		f.records[r.ID] = r
	}
	return nil
}

func (f *fakeStore) UpdateOutcome(ctx context.Context, traceID string, outcome domain.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[traceID]
	if !ok {
		return errTraceNotFound
	}
	rec.Outcome = &outcome
	f.records[traceID] = rec
	return nil
}

func (f *fakeStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deleted := 0
	for id, r := range f.records {
		if r.CreatedAt.Before(cutoff) {
			delete(f.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeStore) get(id string) (domain.TraceRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	return r, ok
}

func TestLogTrace_BuffersUntilFlush(t *testing.T) {
	store := newFakeStore()
	tr := New(store, nil)

	tr.LogTrace(domain.TraceRecord{ID: "t1", CreatedAt: time.Now()})

	_, ok := store.get("t1")
	require.False(t, ok, "record should still be buffered, not yet flushed")

	tr.flush(context.Background())
	_, ok = store.get("t1")
	require.True(t, ok, "explicit flush should move the record into the store")
}

func TestUpdateOutcome_PatchesBufferedRecordWithoutStoreRoundtrip(t *testing.T) {
	store := newFakeStore()
	tr := New(store, nil)
	tr.LogTrace(domain.TraceRecord{ID: "t2", CreatedAt: time.Now()})

	err := tr.UpdateOutcome(context.Background(), "t2", domain.Outcome{Success: true})
	require.NoError(t, err)
	require.Equal(t, 0, store.inserts, "outcome patch on a buffered record must not touch the store")

	tr.flush(context.Background())
	rec, ok := store.get("t2")
	require.True(t, ok)
	require.NotNil(t, rec.Outcome)
	require.True(t, rec.Outcome.Success)
}

func TestUpdateOutcome_FallsThroughToStoreAfterFlush(t *testing.T) {
	store := newFakeStore()
	tr := New(store, nil)
	tr.LogTrace(domain.TraceRecord{ID: "t3", CreatedAt: time.Now()})
	tr.flush(context.Background())

	err := tr.UpdateOutcome(context.Background(), "t3", domain.Outcome{Success: false, Error: "boom"})
	require.NoError(t, err)

	rec, ok := store.get("t3")
	require.True(t, ok)
	require.NotNil(t, rec.Outcome)
	require.Equal(t, "boom", rec.Outcome.Error)
}

func TestLogTrace_FullBufferTriggersEarlyFlush(t *testing.T) {
	store := newFakeStore()
	tr := New(store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	defer tr.Stop()

	for i := 0; i < BufferSize; i++ {
		tr.LogTrace(domain.TraceRecord{ID: "id", CreatedAt: time.Now()})
	}

	require.Eventually(t, func() bool {
		return store.inserts > 0
	}, time.Second, 10*time.Millisecond)
}

func TestFlush_RequeuesOnStoreFailure(t *testing.T) {
	tr := New(&failingStore{}, nil)
	tr.LogTrace(domain.TraceRecord{ID: "r1", CreatedAt: time.Now()})
	tr.flush(context.Background())

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.buffer, 1, "failed flush should requeue the record rather than drop it")
}

type failingStore struct{}

func (failingStore) Insert(ctx context.Context, records []domain.TraceRecord) error {
	return context.DeadlineExceeded
}

func (failingStore) UpdateOutcome(ctx context.Context, traceID string, outcome domain.Outcome) error {
	return nil
}

func (failingStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}
