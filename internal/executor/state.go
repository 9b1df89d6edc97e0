// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import "fmt"

// WorkflowState is one stage of a workflow's lifecycle:
//
//	PLANNING -> EXECUTING_LAYER -> AWAITING_DECISION -> EXECUTING_LAYER -> ... -> DONE | FAILED | ABORTED
//
// Rendered as a typed enum with an explicit validated transition table.
type WorkflowState string

const (
	StatePlanning         WorkflowState = "planning"
	StateExecutingLayer   WorkflowState = "executing_layer"
	StateAwaitingDecision WorkflowState = "awaiting_decision"
	StateDone             WorkflowState = "done"
	StateFailed           WorkflowState = "failed"
	StateAborted          WorkflowState = "aborted"
)

// validTransitions enumerates every state change Run is allowed to make.
// A transition not listed here is a programming error, not a runtime
// condition to route around.
var validTransitions = map[WorkflowState]map[WorkflowState]bool{
	StatePlanning: {
		StateExecutingLayer: true,
		StateFailed:         true,
		StateAborted:        true,
	},
	StateExecutingLayer: {
		StateExecutingLayer:   true, // next layer, no decision point required
		StateAwaitingDecision: true,
		StateDone:             true,
		StateFailed:           true,
		StateAborted:          true,
	},
	StateAwaitingDecision: {
		StateExecutingLayer: true, // continue or replan_dag
		StateAborted:        true, // abort
		StateFailed:         true, // decision provider error
	},
}

// Decision is the external actor's response to a suspended workflow.
type Decision string

const (
	DecisionContinue   Decision = "continue"
	DecisionAbort      Decision = "abort"
	DecisionReplanDAG  Decision = "replan_dag"
)

// MaxReplans bounds how many times a single workflow may invoke
// replan_dag before the executor refuses further replanning.
const MaxReplans = 3

// transitionError reports an attempted move the table above does not
// permit.
type transitionError struct {
	from, to WorkflowState
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("executor: invalid transition %s -> %s", e.from, e.to)
}

func transition(from, to WorkflowState) (WorkflowState, error) {
	if allowed, ok := validTransitions[from][to]; !ok || !allowed {
		return from, &transitionError{from: from, to: to}
	}
	return to, nil
}

// WorkflowStatus is the operational snapshot returned by Executor.Status.
type WorkflowStatus struct {
	WorkflowID   string
	State        WorkflowState
	LayerIndex   int
	ReplanCount  int
	LastError    string
}
