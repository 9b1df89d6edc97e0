// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/procedural-memory/pmcore/internal/domain"
)

type fakeInvoker struct {
	fail map[string]bool
	slow map[string]time.Duration
}

func (f fakeInvoker) Invoke(ctx context.Context, task domain.Task) (any, error) {
	if d, ok := f.slow[task.ID]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail[task.ID] {
		return nil, fmt.Errorf("task %s failed", task.ID)
	}
	return task.Tool + ":ok", nil
}

func threeTaskChain() *domain.DAG {
	return &domain.DAG{
		ID:     "dag-1",
		Intent: "chain",
		Tasks: []domain.Task{
			{ID: "t1", Tool: "fs:list"},
			{ID: "t2", Tool: "fs:read", DependsOn: []string{"t1"}},
			{ID: "t3", Tool: "fs:close", DependsOn: []string{"t2"}},
		},
	}
}

func TestRun_ExecutesLayersInDependencyOrder(t *testing.T) {
	e := New(fakeInvoker{}, nil, nil, DefaultConfig(), nil)
	trace, err := e.Run(context.Background(), "wf-1", threeTaskChain())
	require.NoError(t, err)
	require.True(t, trace.Success)
	require.Len(t, trace.Tasks, 3)
	require.Len(t, trace.LayerTimes, 3)
}

func TestRun_MarksWorkflowFailedTaskAsUnsuccessful(t *testing.T) {
	e := New(fakeInvoker{fail: map[string]bool{"t2": true}}, nil, nil, DefaultConfig(), nil)
	trace, err := e.Run(context.Background(), "wf-2", threeTaskChain())
	require.NoError(t, err)

	var t2 domain.TaskResult
	for _, r := range trace.Tasks {
		if r.TaskID == "t2" {
			t2 = r
		}
	}
	require.False(t, t2.Success)
	require.NotEmpty(t, t2.Error)
}

type fixedDecision struct {
	decision Decision
}

func (f fixedDecision) Decide(ctx context.Context, in DecisionInput) (Decision, error) {
	return f.decision, nil
}

func TestRun_AILOnErrorSuspendsAndAborts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AILDecisionPoints = AILOnError
	e := New(fakeInvoker{fail: map[string]bool{"t1": true}}, fixedDecision{decision: DecisionAbort}, nil, cfg, nil)

	trace, err := e.Run(context.Background(), "wf-3", threeTaskChain())
	require.NoError(t, err)
	require.False(t, trace.Success)
	// Only the first layer (t1) should have run before the abort.
	require.Len(t, trace.Tasks, 1)
}

func TestRun_AILPerLayerContinuesThroughAllLayers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AILDecisionPoints = AILPerLayer
	e := New(fakeInvoker{}, fixedDecision{decision: DecisionContinue}, nil, cfg, nil)

	trace, err := e.Run(context.Background(), "wf-4", threeTaskChain())
	require.NoError(t, err)
	require.True(t, trace.Success)
	require.Len(t, trace.Tasks, 3)
}

func TestCancel_StopsWorkflowBeforeLaterLayers(t *testing.T) {
	e := New(fakeInvoker{slow: map[string]time.Duration{"t1": 200 * time.Millisecond}}, nil, nil, DefaultConfig(), nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Cancel("wf-5")
	}()

	trace, err := e.Run(context.Background(), "wf-5", threeTaskChain())
	require.NoError(t, err)
	require.False(t, trace.Success)
	require.Less(t, len(trace.Tasks), 3)
}

func TestStatus_UnknownWorkflowReturnsFalse(t *testing.T) {
	e := New(fakeInvoker{}, nil, nil, DefaultConfig(), nil)
	_, ok := e.Status("never-run")
	require.False(t, ok)
}

func TestTransition_RejectsInvalidMove(t *testing.T) {
	_, err := transition(StateDone, StateExecutingLayer)
	require.Error(t, err)
}

func TestTransition_AllowsPlanningToExecutingLayer(t *testing.T) {
	next, err := transition(StatePlanning, StateExecutingLayer)
	require.NoError(t, err)
	require.Equal(t, StateExecutingLayer, next)
}
