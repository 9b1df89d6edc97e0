// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scorer

import (
	"time"

	"github.com/google/uuid"

	"github.com/procedural-memory/pmcore/internal/domain"
)

// ThresholdProvider supplies the acceptance threshold for a tool, backed by
// internal/threshold's Thompson Sampling manager. Defined here rather than
// imported to avoid a dependency cycle (threshold never needs to know
// about scorer).
type ThresholdProvider interface {
	ThresholdFor(toolID string) float64
}

// DecideRequest bundles an Input with the bookkeeping Decide needs to
// produce a full domain.TraceRecord.
type DecideRequest struct {
	Input

	Mode       domain.AlgorithmMode
	TargetType domain.TargetType
	TargetID   string
	Intent     string
	ContextHash string
}

// Decide runs Score, consults thresholds for the acceptance decision, and
// returns a fully-populated domain.TraceRecord ready for the Algorithm
// Tracer.
func Decide(req DecideRequest, thresholds ThresholdProvider, now time.Time) domain.TraceRecord {
	final, signals, params := Score(req.Input)

	var decision domain.Decision
	thresholdUsed := 0.0
	switch {
	case IsUnreliable(req.Input):
		decision = domain.DecisionFilteredByReliability
	default:
		thresholdUsed = thresholds.ThresholdFor(req.TargetID)
		if final >= thresholdUsed {
			decision = domain.DecisionAccepted
		} else {
			decision = domain.DecisionRejectedByThreshold
		}
	}

	return domain.TraceRecord{
		ID:            uuid.NewString(),
		AlgorithmMode: req.Mode,
		TargetType:    req.TargetType,
		TargetID:      req.TargetID,
		Intent:        req.Intent,
		ContextHash:   req.ContextHash,
		Signals:       signals,
		Params:        params,
		FinalScore:    final,
		ThresholdUsed: thresholdUsed,
		Decision:      decision,
		CreatedAt:     now,
	}
}
