// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badger wraps dgraph-io/badger/v4 database construction so callers
// never have to configure the underlying options struct by hand: graph
// snapshots, the algorithm trace store, and cache overflow each open one of
// these with either an on-disk path or an in-memory instance for tests.
package badger

import (
	"fmt"
	"os"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// OpenInMemory returns a Badger instance backed by memory only, with its own
// logger silenced. Used by tests and by any component run with persistence
// disabled.
func OpenInMemory() (*dgbadger.DB, error) {
	opts := dgbadger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open in-memory: %w", err)
	}
	return db, nil
}

// OpenWithPath returns a Badger instance persisted under dir, creating dir
// if it does not already exist.
func OpenWithPath(dir string) (*dgbadger.DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("badger: create dir %s: %w", dir, err)
	}
	opts := dgbadger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %s: %w", dir, err)
	}
	return db, nil
}

// TempDir creates a fresh temporary directory for a Badger instance scoped
// to tests, prefixed with the given string.
func TempDir(prefix string) (string, error) {
	return os.MkdirTemp("", prefix)
}

// CleanupDir removes a directory created by TempDir, ignoring errors since
// callers use this from defer in tests.
func CleanupDir(dir string) {
	_ = os.RemoveAll(dir)
}
