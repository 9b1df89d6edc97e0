// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package per implements the Prioritized Experience Replay trainer: it
// samples past scoring decisions weighted by their TD-error priority,
// builds positive/negative pairs from traces sharing an intent, and nudges
// SHGAT's live coefficients with a pairwise margin loss step.
package per

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/procedural-memory/pmcore/internal/domain"
	"github.com/procedural-memory/pmcore/internal/scorer"
)

const (
	// DefaultBeta is the priority-sampling exponent.
	DefaultBeta = 0.6
	// DefaultBatchSize is the number of trace samples pulled per live
	// training pass.
	DefaultBatchSize = 16
	// DefaultMaxCapabilities bounds how many trainable capabilities are
	// fetched for eligibility scoring in one pass.
	DefaultMaxCapabilities = 500
	// defaultLearningRate is the per-pair step size applied to a
	// violated-margin coefficient gradient.
	defaultLearningRate = 0.02
	// targetMargin is how far apart a positive and negative pair's scores
	// must be before a training step considers them already separated.
	targetMargin = 0.1
	// priorityEpsilon is PER's ε in |TD-error| + ε, keeping a
	// perfectly-separated pair's priority above zero so it can still be
	// resampled occasionally.
	priorityEpsilon = 1e-3
)

// CapabilitySource is the narrow slice of *graphstore.Store the trainer
// needs: the trainable-capabilities eligibility fetch.
type CapabilitySource interface {
	ListTrainableCapabilities(limit int) []domain.Capability
}

// TraceSource is the narrow slice of *tracer.BadgerStore the trainer needs
// for priority-weighted sampling and priority write-back.
type TraceSource interface {
	SampleByPriority(ctx context.Context, beta float64, limit int) ([]domain.TraceRecord, error)
	UpdatePriority(ctx context.Context, traceID string, priority float64) error
}

// ParamStore is the narrow slice of *scorer.ParamStore the trainer needs.
type ParamStore interface {
	Params() domain.Params
	Update(domain.Params)
}

// Config tunes one training pass.
type Config struct {
	Beta            float64
	BatchSize       int
	MaxCapabilities int
	LearningRate    float64
}

// DefaultConfig returns the package's documented default tuning.
func DefaultConfig() Config {
	return Config{
		Beta:            DefaultBeta,
		BatchSize:       DefaultBatchSize,
		MaxCapabilities: DefaultMaxCapabilities,
		LearningRate:    defaultLearningRate,
	}
}

// Trainer runs PER training epochs, serialized by a never-blocking
// try-acquire of its training lock.
// The zero value is not usable; construct with New.
type Trainer struct {
	traces TraceSource
	caps   CapabilitySource
	params ParamStore
	cfg    Config
	logger *slog.Logger

	running atomic.Bool
	epochs  atomic.Int64
}

// New constructs a Trainer.
func New(traces TraceSource, caps CapabilitySource, params ParamStore, cfg Config, logger *slog.Logger) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{traces: traces, caps: caps, params: params, cfg: cfg, logger: logger}
}

// EpochsCompleted reports how many training passes have actually run
// (skipped/deduped calls do not count).
func (t *Trainer) EpochsCompleted() int64 {
	return t.epochs.Load()
}

// TrainOneEpoch is the training lock's acquire point. If a training pass is
// already in flight, it returns nil at once without starting a second pass;
// otherwise it runs one pass to completion and returns that pass's error.
// At most one pass runs at a time.
func (t *Trainer) TrainOneEpoch(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return nil
	}
	defer t.running.Store(false)
	return t.trainOnce(ctx)
}

func (t *Trainer) trainOnce(ctx context.Context) error {
	capabilities := t.caps.ListTrainableCapabilities(t.cfg.MaxCapabilities)
	if len(capabilities) == 0 {
		t.logger.Debug("per: no trainable capabilities with embeddings and snippets, skipping epoch")
		return nil
	}

	traces, err := t.traces.SampleByPriority(ctx, t.cfg.Beta, t.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("per: sample traces: %w", err)
	}
	if len(traces) == 0 {
		return nil
	}

	byIntent := make(map[string][]domain.TraceRecord)
	for _, tr := range traces {
		if tr.Outcome == nil {
			continue
		}
		byIntent[tr.Intent] = append(byIntent[tr.Intent], tr)
	}

	params := t.params.Params()
	pairs := 0
	for _, group := range byIntent {
		var positives, negatives []domain.TraceRecord
		for _, tr := range group {
			if tr.Outcome.Success {
				positives = append(positives, tr)
			} else {
				negatives = append(negatives, tr)
			}
		}
		for _, pos := range positives {
			for _, neg := range negatives {
				params = t.applyMarginStep(ctx, params, pos, neg)
				pairs++
			}
		}
	}

	t.epochs.Add(1)
	if pairs == 0 {
		t.logger.Debug("per: sampled batch had no positive/negative pairs for this epoch", "traces_sampled", len(traces))
		return nil
	}

	t.params.Update(params)
	t.logger.Info("per: completed training epoch", "pairs", pairs, "traces_sampled", len(traces), "capabilities", len(capabilities))
	return nil
}

// applyMarginStep compares a positive and negative trace under the current
// coefficients, nudges them toward separating the pair by targetMargin when
// they don't already, and writes each trace's updated priority back to the
// trace store.
func (t *Trainer) applyMarginStep(ctx context.Context, params domain.Params, pos, neg domain.TraceRecord) domain.Params {
	posScore, _, clamped := scorer.Score(scorer.Input{
		Semantic:             pos.Signals.Semantic,
		ToolsOverlap:         pos.Signals.ToolsOverlap,
		SuccessRate:          pos.Signals.SuccessRate,
		PageRank:             pos.Signals.PageRank,
		AdamicAdar:           pos.Signals.AdamicAdar,
		GraphDensity:         pos.Signals.GraphDensity,
		SpectralClusterMatch: pos.Signals.SpectralClusterMatch,
		Params:               params,
	})
	negScore, _, _ := scorer.Score(scorer.Input{
		Semantic:             neg.Signals.Semantic,
		ToolsOverlap:         neg.Signals.ToolsOverlap,
		SuccessRate:          neg.Signals.SuccessRate,
		PageRank:             neg.Signals.PageRank,
		AdamicAdar:           neg.Signals.AdamicAdar,
		GraphDensity:         neg.Signals.GraphDensity,
		SpectralClusterMatch: neg.Signals.SpectralClusterMatch,
		Params:               params,
	})

	margin := posScore - negScore
	tdError := targetMargin - margin
	priority := math.Abs(tdError) + priorityEpsilon
	t.writeBackPriority(ctx, pos.ID, priority)
	t.writeBackPriority(ctx, neg.ID, priority)

	if tdError <= 0 {
		return clamped
	}

	lr := t.cfg.LearningRate
	posGraph := graphSignalOf(pos.Signals)
	negGraph := graphSignalOf(neg.Signals)

	next := domain.Params{
		Alpha:             clamped.Alpha + lr*((pos.Signals.Semantic-posGraph)-(neg.Signals.Semantic-negGraph)),
		ReliabilityFactor: clamped.ReliabilityFactor + lr*((pos.Signals.SuccessRate-0.5)-(neg.Signals.SuccessRate-0.5)),
		StructuralBoost:   clamped.StructuralBoost + lr*(boolDelta(pos.Signals.SpectralClusterMatch, neg.Signals.SpectralClusterMatch)),
	}
	return scorer.ClampParams(next)
}

func (t *Trainer) writeBackPriority(ctx context.Context, traceID string, priority float64) {
	if err := t.traces.UpdatePriority(ctx, traceID, priority); err != nil {
		t.logger.Warn("per: failed to write back trace priority", "trace_id", traceID, "error", err)
	}
}

// graphSignalOf mirrors scorer's unexported graphSignal combination over a
// TraceRecord's already-recorded Signals rather than a fresh scorer.Input,
// since PER replays history rather than rescoring from raw graph state.
func graphSignalOf(s domain.Signals) float64 {
	sum := s.PageRank + s.AdamicAdar + s.ToolsOverlap + s.GraphDensity
	avg := sum / 4
	if avg < 0 {
		return 0
	}
	if avg > 1 {
		return 1
	}
	return avg
}

func boolDelta(pos, neg bool) float64 {
	return boolToFloat(pos) - boolToFloat(neg)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
