// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rpc

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/procedural-memory/pmcore/internal/syncctl"
)

// Event is one notification published on this server's event bus: a
// capability.zone.* lifecycle event for internal/syncctl, or an
// algorithm.scored event carrying a domain.TraceRecord for
// /events/stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// eventsPerSecond bounds how fast a single SSE or websocket connection is
// drained.
const eventsPerSecond = 50

// EventBroker fans published events out to every live subscriber whose
// filter matches, and doubles as the production syncctl.EventBus
// (capability.* events only) once wrapped via AsZoneBus.
type EventBroker struct {
	mu          sync.Mutex
	subscribers map[int]*subscription
	nextID      int
}

type subscription struct {
	filter string
	ch     chan Event
}

// NewEventBroker constructs an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{subscribers: make(map[int]*subscription)}
}

// Publish fans ev out to every subscriber whose filter matches ev.Type. A
// slow subscriber whose channel is full drops the event rather than
// blocking the publisher.
func (b *EventBroker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		if !matchesFilter(sub.filter, ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe registers a channel-based subscriber for /events/stream,
// returning the channel to read from and a function to unsubscribe.
func (b *EventBroker) Subscribe(filter string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscription{filter: filter, ch: make(chan Event, 64)}
	b.subscribers[id] = sub
	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// matchesFilter implements the "filter=algorithm.*" glob: a trailing "*"
// matches any type sharing that prefix, an empty filter matches
// everything, otherwise the type must match exactly.
func matchesFilter(filter, eventType string) bool {
	if filter == "" {
		return true
	}
	if strings.HasSuffix(filter, "*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(filter, "*"))
	}
	return filter == eventType
}

// zoneBusAdapter lets EventBroker satisfy syncctl.EventBus without that
// package importing this one, keeping internal/syncctl dependency-free of
// the RPC layer (the narrow-interface-at-consumer idiom used throughout
// this module).
type zoneBusAdapter struct{ broker *EventBroker }

// AsZoneBus exposes this broker's capability.* traffic (the zone events and
// capability.merged) as a
// syncctl.EventBus, the production collaborator GraphSyncController.Start
// is wired against (internal/syncctl's tests use an in-process fake
// instead).
func (b *EventBroker) AsZoneBus() syncctl.EventBus {
	return zoneBusAdapter{broker: b}
}

func (z zoneBusAdapter) Subscribe(handler syncctl.Handler) func() {
	ch, unsubscribe := z.broker.Subscribe("capability.*")
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if zoneEvent, ok := ev.Data.(syncctl.ZoneEvent); ok {
					handler(zoneEvent)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		unsubscribe()
	}
}

// PublishZoneEvent is the typed entrypoint the rest of this module uses to
// raise a capability.zone.* event (e.g. after cap:rename/cap:merge), rather
// than every caller constructing an Event{Type, Data} pair by hand.
func (b *EventBroker) PublishZoneEvent(ev syncctl.ZoneEvent) {
	b.Publish(Event{Type: string(ev.Type), Data: ev})
}

// handleEventStream serves the `/events/stream?filter=algorithm.*`
// Server-Sent-Events endpoint.
func (s *Server) handleEventStream(c *gin.Context) {
	filter := c.Query("filter")
	ch, unsubscribe := s.events.Subscribe(filter)
	defer unsubscribe()

	limiter := rate.NewLimiter(rate.Limit(eventsPerSecond), eventsPerSecond/5+1)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ctx := c.Request.Context()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, payload)
			c.Writer.Flush()
		}
	}
}
