// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import "fmt"

// discoveryHashKey is the key pmcore stores its discovery-config hash
// under in the `config(key, value)` table.
const discoveryHashKey = "discovery_config_hash"

// KV is the narrow persistence surface DiscoveryGate needs: pmcore's
// badger-backed config(key, value) table, or an in-memory stand-in for
// tests and local-mode runs.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// DiscoveryGate decides whether tool auto-discovery must rerun because the
// effective configuration changed since the last run.
type DiscoveryGate struct {
	kv KV
}

// NewDiscoveryGate constructs a gate backed by kv.
func NewDiscoveryGate(kv KV) *DiscoveryGate {
	return &DiscoveryGate{kv: kv}
}

// ShouldReinitialize reports whether the persisted discovery-config hash
// differs from (or is absent compared to) hash, meaning auto-init must run
// again before this deployment is considered ready.
func (g *DiscoveryGate) ShouldReinitialize(hash string) (bool, error) {
	stored, ok, err := g.kv.Get(discoveryHashKey)
	if err != nil {
		return false, fmt.Errorf("config: discovery gate read: %w", err)
	}
	if !ok {
		return true, nil
	}
	return stored != hash, nil
}

// MarkInitialized persists hash as the discovery-config hash now in
// effect, called once auto-init completes successfully.
func (g *DiscoveryGate) MarkInitialized(hash string) error {
	if err := g.kv.Set(discoveryHashKey, hash); err != nil {
		return fmt.Errorf("config: discovery gate write: %w", err)
	}
	return nil
}

// MemoryKV is a simple in-memory KV, used for local-mode deployments that
// never persist config state across restarts and in tests.
type MemoryKV struct {
	values map[string]string
}

// NewMemoryKV constructs an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

func (m *MemoryKV) Get(key string) (string, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryKV) Set(key, value string) error {
	m.values[key] = value
	return nil
}
