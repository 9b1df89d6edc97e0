// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procedural-memory/pmcore/internal/domain"
	"github.com/procedural-memory/pmcore/internal/syncctl"
)

func TestMatchesFilter(t *testing.T) {
	assert.True(t, matchesFilter("", "algorithm.scored"))
	assert.True(t, matchesFilter("algorithm.*", "algorithm.scored"))
	assert.False(t, matchesFilter("algorithm.*", "capability.zone.updated"))
	assert.True(t, matchesFilter("capability.zone.updated", "capability.zone.updated"))
	assert.False(t, matchesFilter("capability.zone.updated", "capability.zone.created"))
}

func TestEventBroker_PublishDeliversOnlyToMatchingSubscribers(t *testing.T) {
	b := NewEventBroker()
	algoCh, unsubAlgo := b.Subscribe("algorithm.*")
	defer unsubAlgo()
	capCh, unsubCap := b.Subscribe("capability.*")
	defer unsubCap()

	b.Publish(Event{Type: "algorithm.scored", Data: "x"})

	select {
	case ev := <-algoCh:
		assert.Equal(t, "algorithm.scored", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected algorithm subscriber to receive event")
	}

	select {
	case ev := <-capCh:
		t.Fatalf("capability subscriber should not have received %v", ev)
	default:
	}
}

func TestEventBroker_UnsubscribeClosesChannel(t *testing.T) {
	b := NewEventBroker()
	ch, unsubscribe := b.Subscribe("")
	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestEventBroker_SlowSubscriberDropsRatherThanBlocks(t *testing.T) {
	b := NewEventBroker()
	_, unsubscribe := b.Subscribe("x")
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
}

func TestZoneBusAdapter_BridgesZoneEventsToHandler(t *testing.T) {
	b := NewEventBroker()
	bus := b.AsZoneBus()

	received := make(chan syncctl.ZoneEvent, 1)
	unsubscribe := bus.Subscribe(func(ev syncctl.ZoneEvent) {
		received <- ev
	})
	defer unsubscribe()

	capability := domain.Capability{ID: "cap-1"}
	b.PublishZoneEvent(syncctl.ZoneEvent{Type: syncctl.EventZoneUpdated, Capability: &capability})

	select {
	case ev := <-received:
		require.Equal(t, syncctl.EventZoneUpdated, ev.Type)
		require.Equal(t, "cap-1", ev.Capability.ID)
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestZoneBusAdapter_IgnoresNonZoneEvents(t *testing.T) {
	b := NewEventBroker()
	bus := b.AsZoneBus()

	received := make(chan syncctl.ZoneEvent, 1)
	unsubscribe := bus.Subscribe(func(ev syncctl.ZoneEvent) {
		received <- ev
	})
	defer unsubscribe()

	b.Publish(Event{Type: "capability.zone.updated", Data: "not-a-zone-event"})

	select {
	case ev := <-received:
		t.Fatalf("handler should not fire for non-ZoneEvent data, got %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
