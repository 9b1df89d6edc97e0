// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/procedural-memory/pmcore/internal/domain"
)

// toolClassName is the Weaviate class GraphRAG candidate tools are indexed
// under; kept alongside the tool's embedding so a near-vector query on this
// class is the candidate-retrieval step of both InitialPlan and Replan.
const toolClassName = "Tool"

// ConnectionState tracks the index's connectivity to the Weaviate cluster,
// separate from the circuit breaker's open/closed state so a caller can
// tell "degraded but serving" apart from "circuit open, refusing calls."
type ConnectionState int32

const (
	StateConnected ConnectionState = iota
	StateDegraded
	StateCircuitOpen
	StateHalfOpen
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateCircuitOpen:
		return "circuit_open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// IndexConfig configures WeaviateIndex, trimmed to the subset this
// module's GraphRAG candidate lookup actually exercises (retry/backoff and
// a start-degraded allowance; a full circuit breaker window/cooldown
// machinery is not reproduced here since nothing in this module drives it
// from production traffic volume).
type IndexConfig struct {
	URL                string
	RetryAttempts      int
	RetryBackoff       time.Duration
	HealthCheckTimeout time.Duration
	AllowStartDegraded bool
}

// DefaultIndexConfig returns sensible retry/backoff/health-check defaults
// for the fields this module reproduces.
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		RetryAttempts:      3,
		RetryBackoff:       100 * time.Millisecond,
		HealthCheckTimeout: 5 * time.Second,
	}
}

// Validate rejects an unusable config before a client is constructed.
func (c IndexConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("planner: index config: url is required")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("planner: index config: retry_attempts must be >= 0")
	}
	return nil
}

// Candidate is one tool surfaced by a GraphRAG near-vector query, carrying
// only the semantic half of the hybrid score — the caller combines it with
// PageRank.
type Candidate struct {
	ToolID   string
	Semantic float64
}

// CandidateIndex is the narrow surface Planner needs from GraphRAG,
// satisfied by *WeaviateIndex in production and a fake in tests.
type CandidateIndex interface {
	Query(ctx context.Context, vector domain.Embedding, topK int) ([]Candidate, error)
}

// WeaviateIndex queries the Tool class by near-vector similarity.
type WeaviateIndex struct {
	client  *weaviate.Client
	state   atomic.Int32
	degraded bool
}

// NewWeaviateIndex validates cfg, parses its URL, and constructs the
// underlying client. If the Weaviate endpoint is unreachable and
// AllowStartDegraded is set, the index starts in StateDegraded rather than
// failing construction outright, so a deployment can come up before its
// GraphRAG backend is ready and recover once it is.
func NewWeaviateIndex(ctx context.Context, cfg IndexConfig) (*WeaviateIndex, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("planner: invalid weaviate url %q", cfg.URL)
	}

	client, err := weaviate.NewClient(weaviate.Config{Host: parsed.Host, Scheme: parsed.Scheme})
	if err != nil {
		return nil, fmt.Errorf("planner: create weaviate client: %w", err)
	}

	idx := &WeaviateIndex{client: client}
	healthCtx, cancel := context.WithTimeout(ctx, cfg.HealthCheckTimeout)
	defer cancel()
	live, err := client.Misc().LiveChecker().Do(healthCtx)
	if err != nil || !live {
		if !cfg.AllowStartDegraded {
			return nil, fmt.Errorf("planner: weaviate health check failed: %w", err)
		}
		idx.degraded = true
		idx.state.Store(int32(StateDegraded))
		return idx, nil
	}
	idx.state.Store(int32(StateConnected))
	return idx, nil
}

// IsDegraded reports whether the index started without a reachable
// Weaviate endpoint.
func (w *WeaviateIndex) IsDegraded() bool {
	return ConnectionState(w.state.Load()) == StateDegraded
}

// IsAvailable reports whether queries are expected to succeed.
func (w *WeaviateIndex) IsAvailable() bool {
	return ConnectionState(w.state.Load()) == StateConnected
}

// Query runs a near-vector GraphQL search against the Tool class, mirroring
// the NearVectorArgBuilder/GraphQL().Get() pattern in
// services/orchestrator/conversation/search.go, adapted from documents to
// tool candidates.
func (w *WeaviateIndex) Query(ctx context.Context, vector domain.Embedding, topK int) ([]Candidate, error) {
	if w.IsDegraded() {
		return nil, fmt.Errorf("planner: weaviate index degraded, cannot query")
	}

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(toFloat32(vector))

	fields := []graphql.Field{
		{Name: "tool_id"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	result, err := w.client.GraphQL().Get().
		WithClassName(toolClassName).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("planner: weaviate near-vector query: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("planner: weaviate graphql error: %v", result.Errors[0].Message)
	}

	return parseToolCandidates(result.Data)
}

func toFloat32(e domain.Embedding) []float32 {
	out := make([]float32, len(e))
	copy(out, e)
	return out
}

func parseToolCandidates(data map[string]any) ([]Candidate, error) {
	get, ok := data["Get"].(map[string]any)
	if !ok {
		return nil, nil
	}
	rows, ok := get[toolClassName].([]any)
	if !ok {
		return nil, nil
	}

	candidates := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		obj, ok := row.(map[string]any)
		if !ok {
			continue
		}
		toolID, _ := obj["tool_id"].(string)
		if toolID == "" {
			continue
		}
		certainty := 0.0
		if additional, ok := obj["_additional"].(map[string]any); ok {
			if c, ok := additional["certainty"].(float64); ok {
				certainty = c
			}
		}
		candidates = append(candidates, Candidate{ToolID: toolID, Semantic: certainty})
	}
	return candidates, nil
}
