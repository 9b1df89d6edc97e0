// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graphstore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"hash/crc32"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/procedural-memory/pmcore/internal/domain"
)

// snapshotRecord is the gob-serializable form of a Store, keyed under a
// single Badger key. Edges and hyperedges are stored flat; adjacency lists
// are rebuilt on load from the edge list rather than persisted as derived
// indexes.
type snapshotRecord struct {
	Tools       []*domain.Tool
	Capabilities []*domain.Capability
	Edges       []*domain.DirectedEdge
	Hyperedges  []*domain.Hyperedge
	Revision    uint64
}

const snapshotKey = "graphstore:snapshot"

// SaveTo persists the current store state into db under a fixed key, with a
// CRC32 checksum appended so a truncated or corrupted write is detected on
// load rather than silently deserializing garbage.
func (s *Store) SaveTo(db *dgbadger.DB) error {
	s.mu.RLock()
	rec := snapshotRecord{
		Revision: s.revision,
	}
	for _, n := range s.nodes {
		switch n.Kind {
		case domain.NodeKindTool:
			if n.Tool != nil {
				rec.Tools = append(rec.Tools, n.Tool)
			}
		case domain.NodeKindCapability:
			if n.Capability != nil {
				rec.Capabilities = append(rec.Capabilities, n.Capability)
			}
		}
	}
	for _, e := range s.edges {
		rec.Edges = append(rec.Edges, e)
	}
	for _, h := range s.hyperedges {
		rec.Hyperedges = append(rec.Hyperedges, h)
	}
	s.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("graphstore: encode snapshot: %w", err)
	}
	checksum := crc32.ChecksumIEEE(buf.Bytes())

	return db.Update(func(txn *dgbadger.Txn) error {
		if err := txn.Set([]byte(snapshotKey), buf.Bytes()); err != nil {
			return err
		}
		return txn.Set([]byte(snapshotKey+":crc"), crc32Bytes(checksum))
	})
}

// LoadFrom rebuilds a Store from the most recent snapshot saved with
// SaveTo. A missing key is not an error: it means no snapshot has ever been
// written, and callers get back a fresh empty store.
func LoadFrom(db *dgbadger.DB) (*Store, error) {
	store := New()

	var payload []byte
	var storedCRC uint32
	err := db.View(func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(snapshotKey))
		if err == dgbadger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}

		crcItem, err := txn.Get([]byte(snapshotKey + ":crc"))
		if err != nil {
			return err
		}
		crcBytes, err := crcItem.ValueCopy(nil)
		if err != nil {
			return err
		}
		storedCRC = crc32FromBytes(crcBytes)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("graphstore: read snapshot: %w", err)
	}
	if payload == nil {
		return store, nil
	}
	if crc32.ChecksumIEEE(payload) != storedCRC {
		return nil, fmt.Errorf("graphstore: snapshot checksum mismatch, refusing to load")
	}

	var rec snapshotRecord
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("graphstore: decode snapshot: %w", err)
	}

	for _, t := range rec.Tools {
		if _, err := store.AddNode(domain.NodeKindTool, t.ID, t, nil); err != nil {
			return nil, err
		}
	}
	for _, c := range rec.Capabilities {
		if _, err := store.AddNode(domain.NodeKindCapability, c.ID, nil, c); err != nil {
			return nil, err
		}
	}
	for _, e := range rec.Edges {
		if err := store.AddEdge(e.From, e.To, e.Kind, e.LastObservedAt); err != nil {
			return nil, fmt.Errorf("graphstore: replay edge %s->%s: %w", e.From, e.To, err)
		}
		if replayed, ok := store.edges[e.Key()]; ok {
			replayed.ObservedCount = e.ObservedCount
			replayed.ConfidenceScore = e.ConfidenceScore
			replayed.IsParallel = e.IsParallel
		}
	}
	for _, h := range rec.Hyperedges {
		if err := store.AddHyperedge(h); err != nil {
			return nil, fmt.Errorf("graphstore: replay hyperedge %s: %w", h.ID, err)
		}
	}
	store.revision = rec.Revision
	return store, nil
}

func crc32Bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func crc32FromBytes(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
