// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/procedural-memory/pmcore/internal/domain"
	"github.com/procedural-memory/pmcore/internal/drdsp"
	"github.com/procedural-memory/pmcore/internal/graphstore"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) (domain.Embedding, error) {
	return domain.Embedding{0.1, 0.2, 0.3}, nil
}

type fakeIndex struct {
	candidates []Candidate
}

func (f fakeIndex) Query(ctx context.Context, vector domain.Embedding, topK int) ([]Candidate, error) {
	return f.candidates, nil
}

func addTool(t *testing.T, store *graphstore.Store, id string) {
	t.Helper()
	_, err := store.AddNode(domain.NodeKindTool, id, &domain.Tool{ID: id}, nil)
	require.NoError(t, err)
}

func TestInitialPlan_ChainsCandidatesByStrongestEdge(t *testing.T) {
	store := graphstore.New()
	addTool(t, store, "fs:list")
	addTool(t, store, "fs:read")
	require.NoError(t, store.AddEdge("fs:list", "fs:read", domain.EdgeKindSequence, time.Now()))

	router := drdsp.New(store)
	index := fakeIndex{candidates: []Candidate{{ToolID: "fs:list", Semantic: 0.9}, {ToolID: "fs:read", Semantic: 0.8}}}
	p := New(fakeEmbedder{}, index, router, store)

	dag, err := p.InitialPlan(context.Background(), "list and read files", nil)
	require.NoError(t, err)
	require.Len(t, dag.Tasks, 2)
	require.Empty(t, dag.Tasks[0].DependsOn)
	require.Equal(t, []string{dag.Tasks[0].ID}, dag.Tasks[1].DependsOn)
}

func TestInitialPlan_NoCandidatesReturnsEmptyDAG(t *testing.T) {
	store := graphstore.New()
	router := drdsp.New(store)
	p := New(fakeEmbedder{}, fakeIndex{}, router, store)

	dag, err := p.InitialPlan(context.Background(), "do nothing in particular", nil)
	require.NoError(t, err)
	require.Empty(t, dag.Tasks)
}

func TestReplan_AddsTaskDependingOnCompletedTasks(t *testing.T) {
	store := graphstore.New()
	addTool(t, store, "filesystem:list_directory")
	addTool(t, store, "xml:parse")
	router := drdsp.New(store)
	index := fakeIndex{candidates: []Candidate{{ToolID: "xml:parse", Semantic: 0.95}}}
	p := New(fakeEmbedder{}, index, router, store)

	current := &domain.DAG{ID: "dag-1", Intent: "list directory", Tasks: []domain.Task{
		{ID: "task1", Tool: "filesystem:list_directory"},
	}}
	req := ReplanRequest{
		CompletedTasks: []domain.TaskResult{{TaskID: "task1", Tool: "filesystem:list_directory", Success: true}},
		NewRequirement: "parse XML files found in directory",
	}

	replanned, err := p.Replan(context.Background(), current, req)
	require.NoError(t, err)
	require.Greater(t, len(replanned.Tasks), len(current.Tasks))

	var newTask *domain.Task
	for i := range replanned.Tasks {
		if replanned.Tasks[i].Tool == "xml:parse" {
			newTask = &replanned.Tasks[i]
		}
	}
	require.NotNil(t, newTask, "expected a new task for the xml:parse tool")
	require.Contains(t, newTask.DependsOn, "task1")
	require.True(t, acyclic(replanned))
}

func TestReplan_GracefulDegradationOnLowScore(t *testing.T) {
	store := graphstore.New()
	addTool(t, store, "filesystem:list_directory")
	router := drdsp.New(store)
	index := fakeIndex{candidates: []Candidate{{ToolID: "quantum:teleport", Semantic: 0.01}}}
	p := New(fakeEmbedder{}, index, router, store)

	current := &domain.DAG{ID: "dag-1", Intent: "list directory", Tasks: []domain.Task{
		{ID: "task1", Tool: "filesystem:list_directory"},
	}}
	req := ReplanRequest{
		CompletedTasks: []domain.TaskResult{{TaskID: "task1", Success: true}},
		NewRequirement: "quantum teleportation of electrons",
	}

	replanned, err := p.Replan(context.Background(), current, req)
	require.NoError(t, err)
	require.Equal(t, current.Tasks, replanned.Tasks)
}

func TestReplan_RejectsAdditionWithDanglingDependency(t *testing.T) {
	store := graphstore.New()
	addTool(t, store, "t1")
	addTool(t, store, "t2")
	router := drdsp.New(store)
	index := fakeIndex{candidates: []Candidate{{ToolID: "t2", Semantic: 0.9}}}
	p := New(fakeEmbedder{}, index, router, store)

	current := &domain.DAG{ID: "dag-1", Intent: "i", Tasks: []domain.Task{{ID: "t1", Tool: "t1"}}}
	req := ReplanRequest{
		// "ghost" names a task that was never part of the DAG; the merged
		// proposal would carry a dependency on a nonexistent task, which
		// acyclic() must reject exactly like a real cycle.
		CompletedTasks: []domain.TaskResult{{TaskID: "ghost", Success: true}},
		NewRequirement: "use t2",
	}

	replanned, err := p.Replan(context.Background(), current, req)
	require.NoError(t, err)
	require.Equal(t, current.Tasks, replanned.Tasks, "a dangling dependency must be rejected, returning the unchanged DAG")
}

func TestAcyclic_RejectsDependencyOnUnknownTask(t *testing.T) {
	dag := &domain.DAG{Tasks: []domain.Task{{ID: "a", DependsOn: []string{"missing"}}}}
	require.False(t, acyclic(dag))
}

func TestCrystallize_RefusesFailedTrace(t *testing.T) {
	store := graphstore.New()
	router := drdsp.New(store)
	p := New(fakeEmbedder{}, fakeIndex{}, router, store)

	_, err := p.Crystallize(context.Background(), domain.ExecutionTrace{Success: false})
	require.Error(t, err)
}

func TestCrystallize_BuildsCapabilityFromDistinctTools(t *testing.T) {
	store := graphstore.New()
	router := drdsp.New(store)
	p := New(fakeEmbedder{}, fakeIndex{}, router, store)

	trace := domain.ExecutionTrace{
		Intent:  "List and Parse XML",
		Success: true,
		Tasks: []domain.TaskResult{
			{Tool: "filesystem:list_directory"},
			{Tool: "xml:parse"},
			{Tool: "xml:parse"},
		},
	}

	capability, err := p.Crystallize(context.Background(), trace)
	require.NoError(t, err)
	require.Len(t, capability.Members, 2)
	require.Equal(t, "list_and_parse_xml", capability.Action)
}
