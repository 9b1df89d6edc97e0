// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tracer implements the Algorithm Tracer: a buffered, never-
// blocking recorder of SHGAT scoring decisions, flushed to a durable store
// on a timer and swept for retention on its own lifecycle-managed ticker.
package tracer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/procedural-memory/pmcore/internal/domain"
)

const (
	// BufferSize is the in-memory capacity before a flush is forced.
	BufferSize = 100

	// FlushInterval is the maximum time a record waits in the buffer
	// before an automatic flush.
	FlushInterval = 5 * time.Second

	// Retention is how long a flushed trace survives before the
	// retention sweep deletes it.
	Retention = 7 * 24 * time.Hour

	sweepInterval = time.Hour
)

// Store is the durable backend Tracer flushes to. Implemented by
// *BadgerStore in store.go; defined as an interface here so tests can swap
// in an in-memory fake.
type Store interface {
	Insert(ctx context.Context, records []domain.TraceRecord) error
	UpdateOutcome(ctx context.Context, traceID string, outcome domain.Outcome) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Tracer buffers TraceRecords in memory and flushes them to Store without
// ever blocking the caller of LogTrace.
type Tracer struct {
	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	buffer []domain.TraceRecord

	// pending mirrors in-flight buffered records by id so UpdateOutcome can
	// patch them before they are flushed.
	pending map[string]int

	flushNow chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// New constructs a Tracer bound to store. Call Start to begin the
// background flush/sweep loops.
func New(store Store, logger *slog.Logger) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		store:    store,
		logger:   logger,
		buffer:   make([]domain.TraceRecord, 0, BufferSize),
		pending:  make(map[string]int),
		flushNow: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// LogTrace appends record to the in-memory buffer and returns immediately.
// If the buffer is now full, it signals the background loop to flush
// early rather than waiting out FlushInterval.
func (t *Tracer) LogTrace(record domain.TraceRecord) {
	t.mu.Lock()
	t.buffer = append(t.buffer, record)
	t.pending[record.ID] = len(t.buffer) - 1
	full := len(t.buffer) >= BufferSize
	t.mu.Unlock()

	if full {
		select {
		case t.flushNow <- struct{}{}:
		default:
		}
	}
}

// UpdateOutcome patches a trace still sitting in the in-memory buffer; if
// it has already been flushed, it falls through to the durable store.
func (t *Tracer) UpdateOutcome(ctx context.Context, traceID string, outcome domain.Outcome) error {
	t.mu.Lock()
	if idx, ok := t.pending[traceID]; ok && idx < len(t.buffer) && t.buffer[idx].ID == traceID {
		t.buffer[idx].Outcome = &outcome
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	return t.store.UpdateOutcome(ctx, traceID, outcome)
}

// Start launches the background flush-interval and retention-sweep
// goroutines. Idempotent only in the sense that calling it twice starts
// two sets of loops; callers own calling it exactly once.
func (t *Tracer) Start(ctx context.Context) {
	t.started = true
	t.wg.Add(2)
	go t.flushLoop(ctx)
	go t.sweepLoop(ctx)
}

// Stop signals both background loops to exit and waits for them.
func (t *Tracer) Stop() {
	if !t.started {
		return
	}
	close(t.stopCh)
	t.wg.Wait()
}

func (t *Tracer) flushLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			t.flush(ctx)
			return
		case <-ticker.C:
			t.flush(ctx)
		case <-t.flushNow:
			t.flush(ctx)
		}
	}
}

func (t *Tracer) sweepLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-Retention)
			deleted, err := t.store.DeleteOlderThan(ctx, cutoff)
			if err != nil {
				t.logger.Warn("trace retention sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				t.logger.Info("trace retention sweep completed", "deleted", deleted)
			}
		}
	}
}

// flush batch-inserts the current buffer. On failure, up to
// BufferSize-len(current) records are re-queued — older
// records are dropped first if the buffer would otherwise overflow, since
// the most recent decisions are the most actionable for PER training.
func (t *Tracer) flush(ctx context.Context) {
	t.mu.Lock()
	if len(t.buffer) == 0 {
		t.mu.Unlock()
		return
	}
	batch := t.buffer
	t.buffer = make([]domain.TraceRecord, 0, BufferSize)
	t.pending = make(map[string]int)
	t.mu.Unlock()

	if err := t.store.Insert(ctx, batch); err != nil {
		t.logger.Warn("trace flush failed, requeuing", "error", err, "count", len(batch))
		t.requeue(batch)
	}
}

func (t *Tracer) requeue(batch []domain.TraceRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := BufferSize - len(t.buffer)
	if room <= 0 {
		return
	}
	start := 0
	if len(batch) > room {
		start = len(batch) - room
	}
	for _, rec := range batch[start:] {
		t.buffer = append(t.buffer, rec)
		t.pending[rec.ID] = len(t.buffer) - 1
	}
}
