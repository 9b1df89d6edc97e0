// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package per

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/procedural-memory/pmcore/internal/domain"
	"github.com/procedural-memory/pmcore/internal/scorer"
)

type fakeCapabilities struct {
	caps []domain.Capability
}

func (f fakeCapabilities) ListTrainableCapabilities(limit int) []domain.Capability {
	if limit < len(f.caps) {
		return f.caps[:limit]
	}
	return f.caps
}

type fakeTraces struct {
	mu         sync.Mutex
	batch      []domain.TraceRecord
	priorities map[string]float64
	calls      int
}

func (f *fakeTraces) SampleByPriority(ctx context.Context, beta float64, limit int) ([]domain.TraceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.batch, nil
}

func (f *fakeTraces) UpdatePriority(ctx context.Context, traceID string, priority float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priorities == nil {
		f.priorities = make(map[string]float64)
	}
	f.priorities[traceID] = priority
	return nil
}

func trainableCapability(id string) domain.Capability {
	return domain.Capability{ID: id, IntentEmbedding: domain.Embedding{0.1, 0.2}, CodeSnippet: "do the thing"}
}

func TestTrainOneEpoch_NudgesParamsTowardSeparatingPositiveFromNegative(t *testing.T) {
	positive := domain.TraceRecord{
		ID: "tr-pos", Intent: "list files", CreatedAt: time.Now(),
		Signals: domain.Signals{Semantic: 0.9, PageRank: 0.1, SuccessRate: 0.9},
		Outcome: &domain.Outcome{Success: true},
	}
	negative := domain.TraceRecord{
		ID: "tr-neg", Intent: "list files", CreatedAt: time.Now(),
		Signals: domain.Signals{Semantic: 0.2, PageRank: 0.1, SuccessRate: 0.1},
		Outcome: &domain.Outcome{Success: false},
	}

	caps := fakeCapabilities{caps: []domain.Capability{trainableCapability("cap-1")}}
	traces := &fakeTraces{batch: []domain.TraceRecord{positive, negative}}
	params := scorer.NewParamStore()

	trainer := New(traces, caps, params, DefaultConfig(), nil)
	err := trainer.TrainOneEpoch(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), trainer.EpochsCompleted())

	traces.mu.Lock()
	defer traces.mu.Unlock()
	require.Contains(t, traces.priorities, "tr-pos")
	require.Contains(t, traces.priorities, "tr-neg")
	require.Greater(t, traces.priorities["tr-pos"], 0.0)

	updated := params.Params()
	require.Greater(t, updated.Alpha, 0.0)
}

func TestTrainOneEpoch_NoTrainableCapabilitiesSkipsEpoch(t *testing.T) {
	traces := &fakeTraces{batch: []domain.TraceRecord{{ID: "tr-1", Outcome: &domain.Outcome{Success: true}}}}
	trainer := New(traces, fakeCapabilities{}, scorer.NewParamStore(), DefaultConfig(), nil)

	err := trainer.TrainOneEpoch(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), trainer.EpochsCompleted())

	traces.mu.Lock()
	defer traces.mu.Unlock()
	require.Equal(t, 0, traces.calls, "should never sample traces when no capability is eligible")
}

func TestTrainOneEpoch_NoOutcomeTracesProduceNoPairs(t *testing.T) {
	caps := fakeCapabilities{caps: []domain.Capability{trainableCapability("cap-1")}}
	traces := &fakeTraces{batch: []domain.TraceRecord{{ID: "tr-1", Intent: "x"}}} // no Outcome
	trainer := New(traces, caps, scorer.NewParamStore(), DefaultConfig(), nil)

	err := trainer.TrainOneEpoch(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), trainer.EpochsCompleted())

	traces.mu.Lock()
	defer traces.mu.Unlock()
	require.Empty(t, traces.priorities)
}

func TestTrainOneEpoch_ConcurrentCallsNeverErrorAndStayBounded(t *testing.T) {
	caps := fakeCapabilities{caps: []domain.Capability{trainableCapability("cap-1")}}
	traces := &fakeTraces{batch: []domain.TraceRecord{{ID: "tr-1", Intent: "x"}}}
	trainer := New(traces, caps, scorer.NewParamStore(), DefaultConfig(), nil)

	errs := make(chan error, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- trainer.TrainOneEpoch(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// The training lock guarantees at most one pass runs at a time, and a
	// call made while a pass is in flight skips; it never guarantees every
	// concurrent caller triggers its own pass, so completed epochs is
	// bounded above by the call count but can legitimately be fewer.
	require.LessOrEqual(t, trainer.EpochsCompleted(), int64(8))
	require.GreaterOrEqual(t, trainer.EpochsCompleted(), int64(1))
}
