// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package postexec implements PostExecutionService: after a successful
// workflow it runs five side effects that feed the system's learning loop.
// Each effect is isolated so a failure in one never aborts the others.
package postexec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/procedural-memory/pmcore/internal/domain"
	"github.com/procedural-memory/pmcore/internal/graphstore"
)

// GraphWriter is the narrow slice of *graphstore.Store this service needs:
// node/edge/hyperedge mutation, never full read access.
type GraphWriter interface {
	AddNode(kind domain.NodeKind, id string, tool *domain.Tool, capability *domain.Capability) (*graphstore.Node, error)
	AddEdge(from, to string, kind domain.EdgeKind, now time.Time) error
	AddHyperedge(h *domain.Hyperedge) error
	GetNode(id string) (*graphstore.Node, bool)
	MarkParallel(from, to string, kind domain.EdgeKind) error
}

// defaultOverlapTolerance is how much slack is given two sibling tasks'
// execution windows before they are no longer considered to have run in
// parallel. Overridable via SetOverlapTolerance
// so it can be retuned from config without a restart.
const defaultOverlapTolerance = 50 * time.Millisecond

// Embedder is the same narrow surface internal/embed and internal/planner
// already depend on.
type Embedder interface {
	Embed(ctx context.Context, text string) (domain.Embedding, error)
}

// ThresholdRewarder is the narrow slice of threshold.Manager needed for
// updateThompsonSampling.
type ThresholdRewarder interface {
	Reward(toolID string, success bool)
}

// Trainer kicks off one epoch of PER training, serialized process-wide by
// its own training lock (internal/per). A nil Trainer disables
// runPERBatchTraining entirely (useful in tests and in deployments that
// train out of band).
type Trainer interface {
	TrainOneEpoch(ctx context.Context) error
}

// Service runs the five post-execution side effects. The zero value is not
// usable; construct with New.
type Service struct {
	graph      GraphWriter
	embedder   Embedder
	thresholds ThresholdRewarder
	trainer    Trainer
	logger     *slog.Logger

	mu                sync.RWMutex
	overlapTolerance time.Duration
}

// New constructs a Service. trainer may be nil to skip runPERBatchTraining.
func New(graph GraphWriter, embedder Embedder, thresholds ThresholdRewarder, trainer Trainer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{graph: graph, embedder: embedder, thresholds: thresholds, trainer: trainer, logger: logger, overlapTolerance: defaultOverlapTolerance}
}

// SetOverlapTolerance retunes how much slack two sibling tasks' execution
// windows are given before they stop counting as parallel, without
// requiring a restart.
func (s *Service) SetOverlapTolerance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlapTolerance = d
}

// Run fans out all five side effects concurrently and blocks until every
// one has finished. A panic or error in one effect is logged and never
// prevents the others from completing — Run itself never returns an error, since only a
// workflow-level Abort can fail a workflow, and post-execution learning
// always runs strictly after that decision has already been made.
func (s *Service) Run(ctx context.Context, capability *domain.Capability, trace *domain.ExecutionTrace) {
	effects := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"updateDRDSP", func(ctx context.Context) error { return s.updateDRDSP(ctx, capability) }},
		{"registerSHGATNodes", func(ctx context.Context) error { return s.registerSHGATNodes(ctx, capability, trace) }},
		{"updateThompsonSampling", func(ctx context.Context) error { return s.updateThompsonSampling(ctx, trace) }},
		{"learnFromTaskResults", func(ctx context.Context) error { return s.learnFromTaskResults(ctx, trace) }},
		{"runPERBatchTraining", func(ctx context.Context) error { return s.runPERBatchTraining(ctx) }},
	}

	var g errgroup.Group
	for _, effect := range effects {
		effect := effect
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
				if err != nil {
					s.logger.Warn("postexec: effect failed", "effect", effect.name, "error", err)
				}
			}()
			return effect.fn(ctx)
		})
	}
	_ = g.Wait() // errors are logged per-effect above; nothing here can fail the caller
}

// updateDRDSP adds (or refreshes) the hyperedge `cap__{id}` for a
// crystallized capability: sources are the capability's first tool (or
// "intent" if the trace recorded none), targets are the remaining tools
// (or the capability itself if it only ever invoked one), weight is
// 1 - successRate.
func (s *Service) updateDRDSP(ctx context.Context, capability *domain.Capability) error {
	if capability == nil {
		return nil
	}
	tools := capability.ToolsUsed()

	sources := []string{"intent"}
	var targets []string
	if len(tools) > 0 {
		sources = []string{tools[0]}
		targets = tools[1:]
	}
	if len(targets) == 0 {
		targets = []string{capability.ID}
	}

	h := &domain.Hyperedge{
		ID:      capability.HyperedgeID(),
		Sources: sources,
		Targets: targets,
		Weight:  1 - capability.SuccessRate(),
	}
	return s.graph.AddHyperedge(h)
}

// registerSHGATNodes embeds the capability's intent (if not already
// embedded) and adds the capability node, its not-yet-registered tool
// members, and any child capability members, so future SHGAT scoring
// passes have nodes to score against.
func (s *Service) registerSHGATNodes(ctx context.Context, capability *domain.Capability, trace *domain.ExecutionTrace) error {
	if capability == nil {
		return nil
	}

	if len(capability.IntentEmbedding) == 0 && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, capability.Action)
		if err != nil {
			return fmt.Errorf("postexec: embed intent: %w", err)
		}
		capability.IntentEmbedding = vec
	}

	for _, m := range capability.Members {
		if _, ok := s.graph.GetNode(m.ID); ok {
			continue
		}
		switch m.Kind {
		case domain.MemberKindTool:
			if _, err := s.graph.AddNode(domain.NodeKindTool, m.ID, &domain.Tool{ID: m.ID}, nil); err != nil {
				return fmt.Errorf("postexec: register tool node %s: %w", m.ID, err)
			}
		case domain.MemberKindCapability:
			if _, err := s.graph.AddNode(domain.NodeKindCapability, m.ID, nil, &domain.Capability{ID: m.ID}); err != nil {
				return fmt.Errorf("postexec: register child capability node %s: %w", m.ID, err)
			}
		}
	}

	_, err := s.graph.AddNode(domain.NodeKindCapability, capability.ID, nil, capability)
	return err
}

// updateThompsonSampling rewards or penalizes every task's tool posterior
// according to whether that task succeeded.
func (s *Service) updateThompsonSampling(ctx context.Context, trace *domain.ExecutionTrace) error {
	if trace == nil || s.thresholds == nil {
		return nil
	}
	for _, task := range trace.Tasks {
		if task.Tool == "" {
			continue
		}
		s.thresholds.Reward(task.Tool, task.Success)
	}
	return nil
}

// learnFromTaskResults reinforces fan-in edges (every predecessor task in
// layer L-1 feeding a task in layer L) and fan-out edges (that task back to
// every layer L+1 task it feeds), approximated here by adjacency between
// consecutive layers since task-level dependsOn was already consumed by the
// executor and is not carried on TaskResult.
func (s *Service) learnFromTaskResults(ctx context.Context, trace *domain.ExecutionTrace) error {
	if trace == nil {
		return nil
	}
	byLayer := make(map[int][]domain.TaskResult)
	maxLayer := -1
	for _, t := range trace.Tasks {
		if t.Tool == "" {
			continue
		}
		byLayer[t.LayerIndex] = append(byLayer[t.LayerIndex], t)
		if t.LayerIndex > maxLayer {
			maxLayer = t.LayerIndex
		}
	}

	s.mu.RLock()
	tolerance := s.overlapTolerance
	s.mu.RUnlock()

	now := time.Now()
	var firstErr error
	for layer := 0; layer < maxLayer; layer++ {
		for _, from := range byLayer[layer] {
			successors := byLayer[layer+1]
			for _, to := range successors {
				if err := s.graph.AddEdge(from.Tool, to.Tool, domain.EdgeKindSequence, now); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			// Successors sharing this predecessor that overlap in time ran
			// in parallel rather than strictly sequentially.
			for i := range successors {
				for j := i + 1; j < len(successors); j++ {
					if !windowsOverlap(successors[i], successors[j], tolerance) {
						continue
					}
					if err := s.graph.MarkParallel(from.Tool, successors[i].Tool, domain.EdgeKindSequence); err != nil && firstErr == nil {
						firstErr = err
					}
					if err := s.graph.MarkParallel(from.Tool, successors[j].Tool, domain.EdgeKindSequence); err != nil && firstErr == nil {
						firstErr = err
					}
				}
			}
		}
	}
	return firstErr
}

// windowsOverlap reports whether two tasks' [StartedAt, StartedAt+Duration)
// execution windows intersect once each is padded by tolerance on both
// ends.
func windowsOverlap(a, b domain.TaskResult, tolerance time.Duration) bool {
	aStart, aEnd := a.StartedAt.Add(-tolerance), a.StartedAt.Add(a.Duration).Add(tolerance)
	bStart, bEnd := b.StartedAt.Add(-tolerance), b.StartedAt.Add(b.Duration).Add(tolerance)
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// runPERBatchTraining kicks off one epoch of PER training if a Trainer is
// configured. The process-wide single-holder training lock lives in
// internal/per.Trainer itself, not here.
func (s *Service) runPERBatchTraining(ctx context.Context) error {
	if s.trainer == nil {
		return nil
	}
	return s.trainer.TrainOneEpoch(ctx)
}
