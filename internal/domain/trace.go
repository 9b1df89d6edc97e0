// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package domain

import "time"

// AlgorithmMode distinguishes whether a scoring decision was made while
// actively searching for candidates versus passively suggesting one.
type AlgorithmMode string

const (
	AlgorithmModeActiveSearch      AlgorithmMode = "active_search"
	AlgorithmModePassiveSuggestion AlgorithmMode = "passive_suggestion"
)

// TargetType is what a TraceRecord scored: a single tool or a capability.
type TargetType string

const (
	TargetTypeTool       TargetType = "tool"
	TargetTypeCapability TargetType = "capability"
)

// Decision is the outcome of a single SHGAT scoring pass.
type Decision string

const (
	DecisionAccepted             Decision = "accepted"
	DecisionRejectedByThreshold  Decision = "rejected_by_threshold"
	DecisionFilteredByReliability Decision = "filtered_by_reliability"
)

// Signals are the raw inputs SHGAT combined into FinalScore, recorded
// verbatim so a trace can be replayed or audited.
type Signals struct {
	Semantic             float64
	GraphDensity          float64
	SpectralClusterMatch  bool
	PageRank              float64
	AdamicAdar            float64
	SuccessRate           float64
	ToolsOverlap          float64
}

// Params are the tunable coefficients SHGAT used to combine Signals.
type Params struct {
	Alpha             float64
	ReliabilityFactor float64
	StructuralBoost   float64
}

// Outcome records what happened after a decision was accepted and acted
// upon; it is set asynchronously, possibly long after the TraceRecord was
// created.
type Outcome struct {
	Success        bool
	ExecutionTime  time.Duration
	Error          string
	RecordedAt     time.Time
}

// TraceRecord captures one scoring decision for the Algorithm Tracer.
type TraceRecord struct {
	ID            string
	AlgorithmMode AlgorithmMode
	TargetType    TargetType
	TargetID      string
	Intent        string
	ContextHash   string
	Signals       Signals
	Params        Params
	FinalScore    float64
	ThresholdUsed float64
	Decision      Decision
	CreatedAt     time.Time
	Outcome       *Outcome

	// Priority weights this record's chance of being sampled by the PER
	// trainer: probability ∝ Priority^β. Zero (the default
	// for a record never visited by a training pass) is treated as a small
	// floor rather than an exclusion, so fresh traces are still eligible.
	Priority float64
}
