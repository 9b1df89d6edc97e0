// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package syncctl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/procedural-memory/pmcore/internal/domain"
	"github.com/procedural-memory/pmcore/internal/graphstore"
)

// fakeBus is a minimal in-process EventBus for tests.
type fakeBus struct {
	handlers []Handler
}

func (b *fakeBus) Subscribe(h Handler) func() {
	b.handlers = append(b.handlers, h)
	idx := len(b.handlers) - 1
	return func() {
		b.handlers[idx] = nil
	}
}

func (b *fakeBus) publish(ev ZoneEvent) {
	for _, h := range b.handlers {
		if h != nil {
			h(ev)
		}
	}
}

func capabilityWithTools(id string, tools ...string) *domain.Capability {
	members := make([]domain.Member, 0, len(tools))
	for _, t := range tools {
		members = append(members, domain.Member{Kind: domain.MemberKindTool, ID: t})
	}
	return &domain.Capability{ID: id, Members: members, SuccessCount: 8, UsageCount: 10}
}

func setupGraph(t *testing.T) *graphstore.Store {
	t.Helper()
	g := graphstore.New()
	_, err := g.AddNode(domain.NodeKindTool, "fs:read", &domain.Tool{ID: "fs:read"}, nil)
	require.NoError(t, err)
	_, err = g.AddNode(domain.NodeKindTool, "fs:write", &domain.Tool{ID: "fs:write"}, nil)
	require.NoError(t, err)
	return g
}

func TestStart_ZoneCreatedAddsNodeAndHyperedge(t *testing.T) {
	g := setupGraph(t)
	bus := &fakeBus{}
	ctrl := New(g, nil)
	ctrl.Start(bus)
	defer ctrl.Stop()

	capab := capabilityWithTools("capab-1", "fs:read", "fs:write")
	_, err := g.AddNode(domain.NodeKindCapability, capab.ID, nil, capab)
	require.NoError(t, err)

	bus.publish(ZoneEvent{Type: EventZoneCreated, Capability: capab})

	h, ok := g.GetHyperedge(capab.HyperedgeID())
	require.True(t, ok)
	require.Equal(t, []string{"fs:read"}, h.Sources)
	require.Equal(t, []string{"fs:write"}, h.Targets)
}

func TestStart_ZoneMergedRewritesTargetAndDeletesSourceHyperedge(t *testing.T) {
	g := setupGraph(t)
	bus := &fakeBus{}
	ctrl := New(g, nil)
	ctrl.Start(bus)
	defer ctrl.Stop()

	source := capabilityWithTools("capab-src", "fs:read")
	target := capabilityWithTools("capab-dst", "fs:read", "fs:write")
	for _, c := range []*domain.Capability{source, target} {
		_, err := g.AddNode(domain.NodeKindCapability, c.ID, nil, c)
		require.NoError(t, err)
	}
	require.NoError(t, g.AddHyperedge(&domain.Hyperedge{ID: source.HyperedgeID(), Sources: []string{"fs:read"}, Targets: []string{source.ID}}))

	bus.publish(ZoneEvent{Type: EventZoneMerged, Capability: target, SourceID: source.ID})

	_, ok := g.GetHyperedge(source.HyperedgeID())
	require.False(t, ok, "source hyperedge should have been deleted on merge")

	_, ok = g.GetHyperedge(target.HyperedgeID())
	require.True(t, ok, "target hyperedge should have been rewritten")
}

func TestHandle_NilGraphIsNoOp(t *testing.T) {
	bus := &fakeBus{}
	ctrl := New(nil, nil)
	ctrl.Start(bus)
	defer ctrl.Stop()

	require.NotPanics(t, func() {
		bus.publish(ZoneEvent{Type: EventZoneCreated, Capability: capabilityWithTools("capab-1", "fs:read")})
	})
}

func TestHandle_NilCapabilityIsNoOp(t *testing.T) {
	g := setupGraph(t)
	bus := &fakeBus{}
	ctrl := New(g, nil)
	ctrl.Start(bus)
	defer ctrl.Stop()

	require.NotPanics(t, func() {
		bus.publish(ZoneEvent{Type: EventZoneCreated, Capability: nil})
	})
}

func TestStartStop_AreIdempotent(t *testing.T) {
	g := setupGraph(t)
	bus := &fakeBus{}
	ctrl := New(g, nil)

	ctrl.Start(bus)
	ctrl.Start(bus) // double-start is harmless
	require.True(t, ctrl.Running())
	require.Len(t, bus.handlers, 1, "a second Start should not subscribe again")

	ctrl.Stop()
	ctrl.Stop() // double-stop is harmless
	require.False(t, ctrl.Running())
}

func TestStop_StopsDeliveringEvents(t *testing.T) {
	g := setupGraph(t)
	bus := &fakeBus{}
	ctrl := New(g, nil)
	ctrl.Start(bus)

	capab := capabilityWithTools("capab-1", "fs:read", "fs:write")
	_, err := g.AddNode(domain.NodeKindCapability, capab.ID, nil, capab)
	require.NoError(t, err)

	ctrl.Stop()
	bus.publish(ZoneEvent{Type: EventZoneCreated, Capability: capab})

	_, ok := g.GetHyperedge(capab.HyperedgeID())
	require.False(t, ok, "events published after Stop must not be applied")
}
