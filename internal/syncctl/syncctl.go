// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package syncctl implements the GraphSyncController: it
// subscribes to capability zone lifecycle events and applies the minimal
// incremental graph update each one implies, rather than recomputing the
// whole hypergraph on every change.
package syncctl

import (
	"log/slog"
	"sync"

	"github.com/procedural-memory/pmcore/internal/domain"
	"github.com/procedural-memory/pmcore/internal/graphstore"
)

// EventType names the capability zone lifecycle events this controller
// reacts to.
type EventType string

const (
	EventZoneCreated EventType = "capability.zone.created"
	EventZoneUpdated EventType = "capability.zone.updated"
	EventZoneMerged  EventType = "capability.merged"
)

// ZoneEvent is the payload delivered for each lifecycle event. For
// EventZoneCreated/EventZoneUpdated, Capability describes the current
// state of the zone. For EventZoneMerged, Capability is the merge target's
// current state and SourceID names the capability being merged away and
// whose hyperedge must be deleted.
type ZoneEvent struct {
	Type       EventType
	Capability *domain.Capability
	SourceID   string
}

// Handler processes one zone event.
type Handler func(ZoneEvent)

// EventBus is the narrow collaborator this controller needs: somewhere to
// register a handler and later unregister it. It is satisfied by an
// in-process bus in tests and by the SSE/websocket fan-out in production.
type EventBus interface {
	Subscribe(handler Handler) (unsubscribe func())
}

// GraphWriter is the narrow slice of *graphstore.Store this controller
// needs to apply an incremental update.
type GraphWriter interface {
	AddNode(kind domain.NodeKind, id string, tool *domain.Tool, capability *domain.Capability) (*graphstore.Node, error)
	AddHyperedge(h *domain.Hyperedge) error
	RemoveHyperedge(capabilityID string)
}

// Controller is the GraphSyncController. The zero value is not usable;
// construct with New.
type Controller struct {
	mu          sync.Mutex
	graph       GraphWriter
	logger      *slog.Logger
	unsubscribe func()
	running     bool
}

// New constructs a Controller. A nil graph makes every handled event a
// no-op rather than a panic: null collaborators are treated as no-ops.
func New(graph GraphWriter, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{graph: graph, logger: logger}
}

// Start subscribes to bus and begins applying incremental graph updates.
// Calling Start while already running (double-start) is a harmless no-op.
// A nil bus is also a no-op, since there's nothing to subscribe to.
func (c *Controller) Start(bus EventBus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || bus == nil {
		return
	}
	c.unsubscribe = bus.Subscribe(c.handle)
	c.running = true
}

// Stop unsubscribes from whatever bus Start registered against. Calling
// Stop while already stopped (double-stop) is a harmless no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.unsubscribe = nil
	c.running = false
}

// Running reports whether Start has been called without a matching Stop.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// handle applies the minimal incremental graph update for one event: add
// node, update members, rewrite the hyperedge for a merge target and
// delete the source's hyperedge.
func (c *Controller) handle(ev ZoneEvent) {
	if c.graph == nil {
		return
	}
	switch ev.Type {
	case EventZoneCreated, EventZoneUpdated:
		c.upsertZone(ev.Capability)
	case EventZoneMerged:
		c.upsertZone(ev.Capability)
		if ev.SourceID != "" {
			c.graph.RemoveHyperedge(ev.SourceID)
		}
	default:
		c.logger.Warn("syncctl: ignoring unknown zone event type", "type", ev.Type)
	}
}

// upsertZone adds/refreshes a capability node and rewrites its hyperedge to
// match its current member list, mirroring internal/postexec.updateDRDSP's
// tools-as-sources-and-targets shape.
func (c *Controller) upsertZone(capability *domain.Capability) {
	if capability == nil {
		return
	}
	if _, err := c.graph.AddNode(domain.NodeKindCapability, capability.ID, nil, capability); err != nil {
		c.logger.Warn("syncctl: failed to upsert capability node", "capability_id", capability.ID, "error", err)
		return
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
	if err := c.graph.AddHyperedge(h); err != nil {
		c.logger.Warn("syncctl: failed to rewrite capability hyperedge", "capability_id", capability.ID, "error", err)
	}
}
