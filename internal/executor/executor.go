// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package executor implements the Layered Executor: it partitions a DAG
// into topological layers, runs each layer concurrently, and suspends for
// HIL/AIL decisions between layers.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/procedural-memory/pmcore/internal/domain"
	"github.com/procedural-memory/pmcore/internal/planner"
)

var executorTracer = otel.Tracer("pmcore.executor")

// AILMode names when the executor suspends for an agent-in-the-loop
// command.
type AILMode string

const (
	AILNone    AILMode = "none"
	AILPerLayer AILMode = "per_layer"
	AILOnError  AILMode = "on_error"
	AILManual   AILMode = "manual"
)

// ToolInvoker dispatches a single task to whatever sandbox or tool adapter
// actually runs it. Defined narrowly here rather than importing a sandbox
// package, matching the scorer/threshold narrow-interface-at-consumer
// idiom already used elsewhere in this module.
type ToolInvoker interface {
	Invoke(ctx context.Context, task domain.Task) (any, error)
}

// DecisionInput is what a DecisionProvider sees when the executor
// suspends between layers.
type DecisionInput struct {
	WorkflowID   string
	LayerIndex   int
	LayerResults []domain.TaskResult
	HadErrors    bool
}

// DecisionProvider answers a suspended workflow's HIL/AIL decision point.
// A nil DecisionProvider means the executor never suspends for AIL (only
// HIL's ShouldRequireApproval gate, if configured, can still suspend it,
// and in that case the only sensible response is DecisionContinue/Abort
// supplied by whatever wraps HIL approval into this interface).
type DecisionProvider interface {
	Decide(ctx context.Context, in DecisionInput) (Decision, error)
}

// Replanner is the narrow surface of *planner.Planner the executor needs
// for a replan_dag command.
type Replanner interface {
	Replan(ctx context.Context, current *domain.DAG, req planner.ReplanRequest) (*domain.DAG, error)
}

// Config tunes suspension and concurrency policy.
type Config struct {
	MaxConcurrency        int64
	TaskTimeout           time.Duration
	HILEnabled            bool
	ShouldRequireApproval func(layerResults []domain.TaskResult) bool
	AILDecisionPoints     AILMode
}

// DefaultConfig favors small, safe defaults generalized to a layer's worth
// of concurrent tasks.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:    8,
		TaskTimeout:       30 * time.Second,
		AILDecisionPoints: AILNone,
	}
}

type workflowHandle struct {
	cancel context.CancelFunc
	mu     sync.Mutex
	status WorkflowStatus
}

// Executor runs DAGs layer by layer. The zero value is not usable;
// construct with New.
type Executor struct {
	invoker   ToolInvoker
	decisions DecisionProvider
	replanner Replanner
	cfg       Config
	logger    *slog.Logger

	mu        sync.Mutex
	workflows map[string]*workflowHandle
}

// New constructs an Executor. decisions and replanner may be nil if this
// deployment never uses AIL or replan_dag.
func New(invoker ToolInvoker, decisions DecisionProvider, replanner Replanner, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		invoker:   invoker,
		decisions: decisions,
		replanner: replanner,
		cfg:       cfg,
		logger:    logger,
		workflows: make(map[string]*workflowHandle),
	}
}

// Run executes dag under workflowID, suspending for HIL/AIL decisions
// between layers and replanning (bounded by MaxReplans) on demand, and
// returns the completed ExecutionTrace.
func (e *Executor) Run(ctx context.Context, workflowID string, dag *domain.DAG) (*domain.ExecutionTrace, error) {
	ctx, cancel := context.WithCancel(ctx)
	handle := &workflowHandle{cancel: cancel, status: WorkflowStatus{WorkflowID: workflowID, State: StatePlanning}}
	e.mu.Lock()
	e.workflows[workflowID] = handle
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.workflows, workflowID)
		e.mu.Unlock()
	}()

	ctx, startSpan := executorTracer.Start(ctx, "capability.start", trace.WithAttributes(attribute.String("workflow.id", workflowID)))
	startSpan.End()

	execTrace := domain.ExecutionTrace{ID: workflowID, Intent: dag.Intent, StartedAt: time.Now()}
	state := StatePlanning
	state = e.mustTransition(handle, state, StateExecutingLayer)

	completed := make(map[string]domain.TaskResult)
	replans := 0
	layerIndex := 0

	for {
		if ctx.Err() != nil {
			state = e.mustTransition(handle, state, StateAborted)
			break
		}

		ready := readyTasks(dag, completed)
		if len(ready) == 0 {
			break
		}

		layerStart := time.Now()
		results := e.executeLayer(ctx, ready, layerIndex)
		execTrace.LayerTimes = append(execTrace.LayerTimes, time.Since(layerStart))

		hadErrors := false
		for _, r := range results {
			completed[r.TaskID] = r
			execTrace.Tasks = append(execTrace.Tasks, r)
			if !r.Success {
				hadErrors = true
			}
		}

		decision, decided, err := e.maybeSuspend(ctx, workflowID, layerIndex, results, hadErrors, &state, handle)
		if err != nil {
			state = e.mustTransition(handle, state, StateFailed)
			handle.setError(err)
			break
		}
		if decided {
			switch decision {
			case DecisionAbort:
				state = e.mustTransition(handle, state, StateAborted)
			case DecisionReplanDAG:
				if replans >= MaxReplans {
					e.logger.Warn("workflow hit MAX_REPLANS, continuing with current DAG", "workflow_id", workflowID)
					state = e.mustTransition(handle, state, StateExecutingLayer)
				} else if e.replanner == nil {
					e.logger.Warn("replan_dag requested but no Replanner configured", "workflow_id", workflowID)
					state = e.mustTransition(handle, state, StateExecutingLayer)
				} else {
					replans++
					newDAG, rerr := e.replanner.Replan(ctx, dag, planner.ReplanRequest{CompletedTasks: resultValues(completed)})
					if rerr == nil {
						dag = newDAG
					}
					state = e.mustTransition(handle, state, StateExecutingLayer)
				}
			default:
				state = e.mustTransition(handle, state, StateExecutingLayer)
			}
		}

		if state == StateAborted || state == StateFailed {
			break
		}
		layerIndex++
		handle.setLayer(layerIndex, replans)
	}

	if state != StateAborted && state != StateFailed {
		state = e.mustTransition(handle, state, StateDone)
	}

	execTrace.Success = state == StateDone
	execTrace.Duration = time.Since(execTrace.StartedAt)

	_, endSpan := executorTracer.Start(ctx, "capability.end")
	if !execTrace.Success {
		endSpan.SetStatus(codes.Error, string(state))
	}
	endSpan.End()

	handle.setState(state)
	return &execTrace, nil
}

// maybeSuspend checks HIL/AIL policy and, if triggered, blocks on the
// DecisionProvider. The second return value is false when no suspension
// was required (the caller should simply proceed to the next layer).
func (e *Executor) maybeSuspend(ctx context.Context, workflowID string, layerIndex int, results []domain.TaskResult, hadErrors bool, state *WorkflowState, handle *workflowHandle) (Decision, bool, error) {
	needHIL := e.cfg.HILEnabled && e.cfg.ShouldRequireApproval != nil && e.cfg.ShouldRequireApproval(results)
	needAIL := e.decisions != nil && (e.cfg.AILDecisionPoints == AILPerLayer ||
		(e.cfg.AILDecisionPoints == AILOnError && hadErrors) ||
		e.cfg.AILDecisionPoints == AILManual)

	if !needHIL && !needAIL {
		return DecisionContinue, false, nil
	}
	if e.decisions == nil {
		// HIL was requested but nothing can answer it; fail safe by
		// continuing rather than hanging the workflow forever.
		return DecisionContinue, false, nil
	}

	*state = e.mustTransition(handle, *state, StateAwaitingDecision)
	decision, err := e.decisions.Decide(ctx, DecisionInput{WorkflowID: workflowID, LayerIndex: layerIndex, LayerResults: results, HadErrors: hadErrors})
	if err != nil {
		return "", true, fmt.Errorf("executor: decision provider: %w", err)
	}
	return decision, true, nil
}

// executeLayer runs every ready task concurrently, bounded by
// cfg.MaxConcurrency.
func (e *Executor) executeLayer(ctx context.Context, tasks []domain.Task, layerIndex int) []domain.TaskResult {
	sem := semaphore.NewWeighted(e.cfg.MaxConcurrency)
	results := make([]domain.TaskResult, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task domain.Task) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = domain.TaskResult{TaskID: task.ID, Tool: task.Tool, LayerIndex: layerIndex, Success: false, Error: err.Error(), StartedAt: time.Now()}
				return
			}
			defer sem.Release(1)
			results[i] = e.executeTask(ctx, task, layerIndex)
		}(i, task)
	}
	wg.Wait()
	return results
}

func (e *Executor) executeTask(ctx context.Context, task domain.Task, layerIndex int) domain.TaskResult {
	start := time.Now()
	timeout := e.cfg.TaskTimeout
	if timeout == 0 {
		timeout = DefaultConfig().TaskTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := e.invoker.Invoke(taskCtx, task)
	duration := time.Since(start)

	result := domain.TaskResult{TaskID: task.ID, Tool: task.Tool, LayerIndex: layerIndex, StartedAt: start, Duration: duration, Output: output}
	if err != nil {
		if taskCtx.Err() == context.DeadlineExceeded {
			result.Error = fmt.Sprintf("timeout after %s", timeout)
		} else {
			result.Error = err.Error()
		}
		result.Success = false
		return result
	}
	result.Success = true
	return result
}

// Cancel aborts an in-flight workflow: not-yet-started tasks never start,
// and in-flight tasks receive cooperative cancellation via their task
// context.
func (e *Executor) Cancel(workflowID string) {
	e.mu.Lock()
	handle, ok := e.workflows[workflowID]
	e.mu.Unlock()
	if !ok {
		return
	}
	handle.cancel()
}

// Status returns an operational snapshot of a running (or just-finished)
// workflow.
func (e *Executor) Status(workflowID string) (WorkflowStatus, bool) {
	e.mu.Lock()
	handle, ok := e.workflows[workflowID]
	e.mu.Unlock()
	if !ok {
		return WorkflowStatus{}, false
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.status, true
}

func (e *Executor) mustTransition(handle *workflowHandle, from, to WorkflowState) WorkflowState {
	next, err := transition(from, to)
	if err != nil {
		e.logger.Error("executor: invalid state transition attempted", "error", err)
		return from
	}
	handle.setState(next)
	return next
}

func (h *workflowHandle) setState(s WorkflowState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status.State = s
}

func (h *workflowHandle) setLayer(layerIndex, replans int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status.LayerIndex = layerIndex
	h.status.ReplanCount = replans
}

func (h *workflowHandle) setError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status.LastError = err.Error()
}

// readyTasks returns every task whose dependencies are all present in
// completed, and which is not itself already completed.
func readyTasks(dag *domain.DAG, completed map[string]domain.TaskResult) []domain.Task {
	ready := make([]domain.Task, 0)
	for _, t := range dag.Tasks {
		if _, done := completed[t.ID]; done {
			continue
		}
		allDepsDone := true
		for _, dep := range t.DependsOn {
			if _, ok := completed[dep]; !ok {
				allDepsDone = false
				break
			}
		}
		if allDepsDone {
			ready = append(ready, t)
		}
	}
	return ready
}

func resultValues(m map[string]domain.TaskResult) []domain.TaskResult {
	out := make([]domain.TaskResult, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
