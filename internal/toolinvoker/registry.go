// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package toolinvoker implements the executor.ToolInvoker the
// LayeredExecutor dispatches tasks through, as a name-keyed registry of
// handler functions. This package owns only lookup and invocation, since
// approval, parsing and formatting are handled upstream by the executor's
// own HIL/AIL suspension and the RPC edge's validation.
package toolinvoker

import (
	"context"
	"fmt"
	"sync"

	"github.com/procedural-memory/pmcore/internal/domain"
)

// HandlerFunc runs one tool invocation against task.Args and returns its
// raw output, or an error domain.Classify can project.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Registry maps tool names to handlers, implementing executor.ToolInvoker.
// The zero value is not usable; construct with New.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds name to fn, overwriting any previous handler for name.
func (r *Registry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Names returns every registered tool name, sorted is not guaranteed.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Invoke looks up task.Tool and runs it against task.Args, satisfying
// executor.ToolInvoker. An unregistered tool is a domain.ErrNodeNotFound
// so it projects to the RPC edge's "not found" taxonomy rather than a bare
// internal error.
func (r *Registry) Invoke(ctx context.Context, task domain.Task) (any, error) {
	r.mu.RLock()
	fn, ok := r.handlers[task.Tool]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tool %q is not registered", domain.ErrNodeNotFound, task.Tool)
	}
	return fn(ctx, task.Args)
}
