// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graphstore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/procedural-memory/pmcore/internal/domain"
)

func addTool(t *testing.T, s *Store, id string) {
	t.Helper()
	_, err := s.AddNode(domain.NodeKindTool, id, &domain.Tool{ID: id}, nil)
	require.NoError(t, err)
}

func TestAddNode_DuplicateKindMismatch(t *testing.T) {
	s := New()
	addTool(t, s, "fs:read")

	_, err := s.AddNode(domain.NodeKindCapability, "fs:read", nil, &domain.Capability{ID: "fs:read"})
	require.ErrorIs(t, err, ErrDuplicateNode)
}

func TestAddEdge_RejectsCycle(t *testing.T) {
	s := New()
	addTool(t, s, "a")
	addTool(t, s, "b")
	addTool(t, s, "c")

	now := time.Now()
	require.NoError(t, s.AddEdge("a", "b", domain.EdgeKindSequence, now))
	require.NoError(t, s.AddEdge("b", "c", domain.EdgeKindSequence, now))

	err := s.AddEdge("c", "a", domain.EdgeKindSequence, now)
	require.True(t, errors.Is(err, ErrCycleWouldForm))
}

func TestAddEdge_NonAcyclicKindAllowsCycle(t *testing.T) {
	s := New()
	addTool(t, s, "a")
	addTool(t, s, "b")

	now := time.Now()
	require.NoError(t, s.AddEdge("a", "b", domain.EdgeKindUses, now))
	require.NoError(t, s.AddEdge("b", "a", domain.EdgeKindUses, now))
}

func TestAddEdge_ReinforcesExisting(t *testing.T) {
	s := New()
	addTool(t, s, "a")
	addTool(t, s, "b")

	now := time.Now()
	require.NoError(t, s.AddEdge("a", "b", domain.EdgeKindSequence, now))
	require.NoError(t, s.AddEdge("a", "b", domain.EdgeKindSequence, now.Add(time.Hour)))

	edge, ok := s.edges[domain.EdgeKey{From: "a", To: "b", Kind: domain.EdgeKindSequence}]
	require.True(t, ok)
	require.Equal(t, int64(2), edge.ObservedCount)
}

func TestMarkParallel_FlagsExistingEdge(t *testing.T) {
	s := New()
	addTool(t, s, "a")
	addTool(t, s, "b")
	require.NoError(t, s.AddEdge("a", "b", domain.EdgeKindSequence, time.Now()))

	require.NoError(t, s.MarkParallel("a", "b", domain.EdgeKindSequence))

	edge, ok := s.edges[domain.EdgeKey{From: "a", To: "b", Kind: domain.EdgeKindSequence}]
	require.True(t, ok)
	require.True(t, edge.IsParallel)
}

func TestMarkParallel_UnobservedEdgeIsNotFound(t *testing.T) {
	s := New()
	addTool(t, s, "a")
	addTool(t, s, "b")
	require.ErrorIs(t, s.MarkParallel("a", "b", domain.EdgeKindSequence), ErrEdgeNotFound)
}

func TestAddHyperedge_RejectsMissingMember(t *testing.T) {
	s := New()
	addTool(t, s, "a")

	err := s.AddHyperedge(&domain.Hyperedge{ID: "cap__x", Sources: []string{"a"}, Targets: []string{"missing"}})
	require.ErrorIs(t, err, ErrNodeNotFound)
}

func TestMutate_RollsBackOnError(t *testing.T) {
	s := New()
	addTool(t, s, "a")

	sentinel := errors.New("boom")
	err := s.Mutate(func(st *Store) error {
		addTool(t, st, "b")
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, ok := s.GetNode("b")
	require.False(t, ok, "node added during a rolled-back mutation must not survive")
	_, ok = s.GetNode("a")
	require.True(t, ok)
}

func TestMutate_CommitsOnSuccess(t *testing.T) {
	s := New()
	err := s.Mutate(func(st *Store) error {
		addTool(t, st, "a")
		return nil
	})
	require.NoError(t, err)

	_, ok := s.GetNode("a")
	require.True(t, ok)
}

func TestSnapshot_IsolatedFromLaterWrites(t *testing.T) {
	s := New()
	addTool(t, s, "a")

	snap := s.Snapshot()
	addTool(t, s, "b")

	_, ok := snap.Node("b")
	require.False(t, ok, "snapshot must not see nodes added after it was taken")
	_, ok = snap.Node("a")
	require.True(t, ok)
}

func TestStats_ReflectsCounts(t *testing.T) {
	s := New()
	addTool(t, s, "a")
	addTool(t, s, "b")
	require.NoError(t, s.AddEdge("a", "b", domain.EdgeKindSequence, time.Now()))

	stats := s.Stats()
	require.Equal(t, 2, stats.NodeCount)
	require.Equal(t, 1, stats.EdgeCount)
}
