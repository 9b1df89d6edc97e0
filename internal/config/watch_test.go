// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnDebouncedWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pmcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":8080\"\n"), 0644))

	results := make(chan Config, 4)
	w, err := NewWatcher(path, func(cfg Config, err error) {
		require.NoError(t, err)
		results <- cfg
	})
	require.NoError(t, err)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9191\"\n"), 0644))

	select {
	case cfg := <-results:
		assert.Equal(t, ":9191", cfg.Server.Addr)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}

func TestWatcher_ParseFailureReportsErrorWithoutPanicking(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pmcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":8080\"\n"), 0644))

	results := make(chan error, 4)
	w, err := NewWatcher(path, func(_ Config, err error) {
		results <- err
	})
	require.NoError(t, err)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	require.NoError(t, os.WriteFile(path, []byte("server: [not valid yaml"), 0644))

	select {
	case err := <-results:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error callback")
	}
}

func TestWatcher_StopEndsLoopWithoutReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pmcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":8080\"\n"), 0644))

	called := make(chan struct{}, 4)
	w, err := NewWatcher(path, func(_ Config, _ error) {
		called <- struct{}{}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9999\"\n"), 0644))

	select {
	case <-called:
		t.Fatal("reload fired after Stop")
	case <-time.After(500 * time.Millisecond):
	}
}
