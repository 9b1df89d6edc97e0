// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package domain

import "time"

// TaskResult is the outcome of one executed DAG task, as recorded into an
// ExecutionTrace and consumed by PostExecutionService for fan-in/fan-out
// edge learning.
type TaskResult struct {
	TaskID     string
	Tool       string // tool id invoked, empty for pure-capability tasks
	LayerIndex int
	Success    bool
	Error      string
	Output     any
	StartedAt  time.Time
	Duration   time.Duration
}

// ExecutionTrace is written once after a workflow finishes and feeds PER
// training.
type ExecutionTrace struct {
	ID           string
	CapabilityID string
	Intent       string
	Tasks        []TaskResult
	LayerTimes   []time.Duration
	Success      bool
	StartedAt    time.Time
	Duration     time.Duration
}
