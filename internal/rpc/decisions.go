// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/procedural-memory/pmcore/internal/domain"
	"github.com/procedural-memory/pmcore/internal/executor"
)

// DecisionBroker answers a suspended workflow's HIL/AIL decision point by
// blocking until either apply_decision (JSON-RPC) or a websocket message
// supplies a executor.Decision for that workflow id. It implements
// executor.DecisionProvider.
type DecisionBroker struct {
	mu      sync.Mutex
	pending map[string]chan executor.Decision
}

// NewDecisionBroker constructs an empty broker.
func NewDecisionBroker() *DecisionBroker {
	return &DecisionBroker{pending: make(map[string]chan executor.Decision)}
}

// Decide blocks until Apply is called for in.WorkflowID or ctx is
// cancelled.
func (b *DecisionBroker) Decide(ctx context.Context, in executor.DecisionInput) (executor.Decision, error) {
	ch := make(chan executor.Decision, 1)
	b.mu.Lock()
	b.pending[in.WorkflowID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, in.WorkflowID)
		b.mu.Unlock()
	}()

	select {
	case decision := <-ch:
		return decision, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %s", domain.ErrTimedOut, ctx.Err())
	}
}

// Apply supplies the decision a suspended workflow is awaiting, answering
// the apply_decision RPC method and the websocket "decide" action alike.
func (b *DecisionBroker) Apply(workflowID string, decision executor.Decision) error {
	b.mu.Lock()
	ch, ok := b.pending[workflowID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no workflow awaiting a decision: %s", domain.ErrNodeNotFound, workflowID)
	}
	select {
	case ch <- decision:
		return nil
	default:
		return fmt.Errorf("%w: a decision was already supplied for %s", domain.ErrConflict, workflowID)
	}
}
