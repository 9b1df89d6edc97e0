// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package planner implements the DAGSuggester/Replanner: it turns an
// intent into an executable task DAG, and augments a DAG mid-execution on
// discovery of a new requirement, always preferring to reject an addition
// over guessing a repair.
package planner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/procedural-memory/pmcore/internal/domain"
	"github.com/procedural-memory/pmcore/internal/drdsp"
	"github.com/procedural-memory/pmcore/internal/embed"
	"github.com/procedural-memory/pmcore/internal/graphstore"
)

const (
	// defaultTopK is how many candidates are retrieved from GraphRAG for
	// both the initial plan and a replan.
	defaultTopK = 8

	// defaultAlpha weights semantic score against PageRank when ranking
	// replan candidates; mirrors SHGAT's own alpha
	// naming for the semantic/structural blend.
	defaultAlpha = 0.6

	// minCandidateScore is the graceful-degradation floor: a replan with no
	// candidate clearing this bar returns the DAG unchanged.
	minCandidateScore = 0.35
)

// ReplanRequest is the input to Replan.
type ReplanRequest struct {
	CompletedTasks  []domain.TaskResult
	NewRequirement  string
	AvailableContext map[string]any
}

// Planner produces and augments task DAGs.
type Planner struct {
	embedder embed.Embedder
	index    CandidateIndex
	router   *drdsp.Router
	store    *graphstore.Store

	topK  int
	alpha float64
}

// New constructs a Planner. store and router provide PageRank/confidence
// data for chaining and ranking; index is the GraphRAG candidate lookup.
func New(embedder embed.Embedder, index CandidateIndex, router *drdsp.Router, store *graphstore.Store) *Planner {
	return &Planner{embedder: embedder, index: index, router: router, store: store, topK: defaultTopK, alpha: defaultAlpha}
}

// InitialPlan embeds intent, retrieves top-K candidate tools, and greedily
// chains them along the strongest directed edges between the chosen tools,
// emitting one task per tool with dependsOn set to its chain predecessor.
func (p *Planner) InitialPlan(ctx context.Context, intent string, graphContext map[string]any) (*domain.DAG, error) {
	vector, err := p.embedder.Embed(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("planner: embed intent: %w", err)
	}

	candidates, err := p.index.Query(ctx, vector, p.topK)
	if err != nil {
		return nil, fmt.Errorf("planner: query candidates: %w", err)
	}
	if len(candidates) == 0 {
		return &domain.DAG{ID: uuid.NewString(), Intent: intent}, nil
	}

	ranked := p.rankByHybridScore(candidates)

	dag := &domain.DAG{ID: uuid.NewString(), Intent: intent}
	snap := p.store.Snapshot()
	for i, c := range ranked {
		task := domain.Task{ID: fmt.Sprintf("task-%d", i+1), Tool: c.ToolID}
		if i > 0 {
			task.DependsOn = []string{p.strongestPredecessor(snap, dag.Tasks, c.ToolID)}
		}
		dag.Tasks = append(dag.Tasks, task)
	}
	return dag, nil
}

// strongestPredecessor returns the id of the already-placed task with the
// highest-confidence directed edge into candidate tool, falling back to
// the most recently placed task so every non-first task still has a chain
// predecessor.
func (p *Planner) strongestPredecessor(snap *graphstore.Snapshot, placed []domain.Task, toolID string) string {
	best := ""
	bestConfidence := -1.0
	for _, t := range placed {
		node, ok := snap.Node(t.Tool)
		if !ok {
			continue
		}
		for _, e := range node.Outgoing {
			if e.To == toolID && e.ConfidenceScore > bestConfidence {
				bestConfidence = e.ConfidenceScore
				best = t.ID
			}
		}
	}
	if best == "" && len(placed) > 0 {
		return placed[len(placed)-1].ID
	}
	return best
}

// Replan embeds the new requirement, ranks candidates, attaches new tasks
// to the most recently completed ones, merges, and validates
// with a topological sort — rejecting the whole addition (never a partial
// repair) if a cycle would form or no candidate clears minCandidateScore.
func (p *Planner) Replan(ctx context.Context, current *domain.DAG, req ReplanRequest) (*domain.DAG, error) {
	vector, err := p.embedder.Embed(ctx, req.NewRequirement)
	if err != nil {
		return nil, fmt.Errorf("planner: embed new requirement: %w", err)
	}

	candidates, err := p.index.Query(ctx, vector, p.topK)
	if err != nil {
		return nil, fmt.Errorf("planner: query candidates: %w", err)
	}

	ranked := p.rankByHybridScore(candidates)

	existing := make(map[string]bool, len(current.Tasks))
	for _, t := range current.Tasks {
		existing[t.Tool] = true
	}

	completedIDs := make([]string, 0, len(req.CompletedTasks))
	for _, tr := range req.CompletedTasks {
		completedIDs = append(completedIDs, tr.TaskID)
	}

	proposed := current.Clone()
	nextIdx := len(proposed.Tasks) + 1
	added := 0
	for _, c := range ranked {
		if c.score < minCandidateScore || existing[c.ToolID] {
			continue
		}
		proposed.Tasks = append(proposed.Tasks, domain.Task{
			ID:        fmt.Sprintf("task-%d", nextIdx),
			Tool:      c.ToolID,
			DependsOn: append([]string(nil), completedIDs...),
		})
		nextIdx++
		added++
	}

	if added == 0 {
		return current, nil // graceful degradation: no candidate cleared the bar
	}

	if !acyclic(proposed) {
		return current, nil // reject the whole addition, never guess a repair
	}

	return proposed, nil
}

// Crystallize promotes a successful execution trace into a reusable
// Capability, matching the GLOSSARY's "Crystallization" entry: a novel
// sequence that worked becomes a named, retrievable unit the scorer can
// rank in future requests.
func (p *Planner) Crystallize(ctx context.Context, trace domain.ExecutionTrace) (*domain.Capability, error) {
	if !trace.Success {
		return nil, fmt.Errorf("planner: refusing to crystallize a failed execution trace")
	}

	embedding, err := p.embedder.Embed(ctx, trace.Intent)
	if err != nil {
		return nil, fmt.Errorf("planner: embed trace intent: %w", err)
	}

	members := make([]domain.Member, 0, len(trace.Tasks))
	seen := make(map[string]bool)
	for _, t := range trace.Tasks {
		if seen[t.Tool] {
			continue
		}
		seen[t.Tool] = true
		members = append(members, domain.Member{Kind: domain.MemberKindTool, ID: t.Tool})
	}

	id := uuid.NewString()
	now := time.Now()
	capability := &domain.Capability{
		ID:              id,
		Namespace:       "crystallized",
		Action:          slugify(trace.Intent),
		FQDN:            fmt.Sprintf("pmcore.crystallized.%s.%s", slugify(trace.Intent), id[:8]),
		IntentEmbedding: embedding,
		Members:         members,
		HierarchyLevel:  0,
		SuccessCount:    1,
		UsageCount:      1,
		Visibility:      "private",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return capability, nil
}

type rankedCandidate struct {
	Candidate
	score float64
}

func (p *Planner) rankByHybridScore(candidates []Candidate) []rankedCandidate {
	ranked := make([]rankedCandidate, 0, len(candidates))
	for _, c := range candidates {
		pageRank := p.router.PageRankOf(context.Background(), c.ToolID)
		score := p.alpha*c.Semantic + (1-p.alpha)*pageRank
		ranked = append(ranked, rankedCandidate{Candidate: c, score: score})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	return ranked
}

func slugify(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		case r == ' ' || r == '_' || r == '-':
			if len(out) > 0 && out[len(out)-1] != '_' {
				out = append(out, '_')
			}
		}
	}
	for len(out) > 0 && out[len(out)-1] == '_' {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return "intent"
	}
	return string(out)
}

// acyclic reports whether dag's dependsOn edges admit a topological sort
// (Kahn's algorithm), and every dependency id refers to a task actually
// present in the DAG.
func acyclic(dag *domain.DAG) bool {
	indegree := make(map[string]int, len(dag.Tasks))
	adj := make(map[string][]string, len(dag.Tasks))
	ids := make(map[string]bool, len(dag.Tasks))
	for _, t := range dag.Tasks {
		ids[t.ID] = true
		indegree[t.ID] = 0
	}
	for _, t := range dag.Tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return false
			}
			adj[dep] = append(adj[dep], t.ID)
			indegree[t.ID]++
		}
	}

	queue := make([]string, 0)
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited == len(dag.Tasks)
}
