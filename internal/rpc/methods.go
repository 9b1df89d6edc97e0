// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/procedural-memory/pmcore/internal/capsvc"
	"github.com/procedural-memory/pmcore/internal/domain"
	"github.com/procedural-memory/pmcore/internal/executor"
	"github.com/procedural-memory/pmcore/internal/planner"
	"github.com/procedural-memory/pmcore/internal/rpc/auth"
	"github.com/procedural-memory/pmcore/internal/syncctl"
)

// validate runs struct-tag validation on decoded JSON-RPC params, the same
// way gin's own ShouldBindJSON validates REST bodies — used explicitly
// here since tools/call arguments are decoded by hand rather than bound by
// gin.
var validate = validator.New()

// CapabilityService is the narrow slice of *capsvc.Service the cap:*
// methods need.
type CapabilityService interface {
	List() []domain.Capability
	Lookup(id string) (domain.Capability, error)
	Whois(id string) (capsvc.WhoisResult, error)
	Rename(id, namespace, action string) (domain.Capability, error)
	Merge(targetID, sourceID string) (domain.Capability, error)
}

// Planner is the narrow slice of *planner.Planner suggest_plan needs.
type Planner interface {
	InitialPlan(ctx context.Context, intent string, graphContext map[string]any) (*domain.DAG, error)
	Replan(ctx context.Context, current *domain.DAG, req planner.ReplanRequest) (*domain.DAG, error)
}

// Executor is the narrow slice of *executor.Executor execute_code and its
// companion operational methods need.
type Executor interface {
	Run(ctx context.Context, workflowID string, dag *domain.DAG) (*domain.ExecutionTrace, error)
	Cancel(workflowID string)
	Status(workflowID string) (executor.WorkflowStatus, bool)
}

// RegisterCapabilities wires cap:list, cap:rename, cap:lookup, cap:whois
// and cap:merge against svc.
func (s *Server) RegisterCapabilities(svc CapabilityService) {
	s.register("cap:list", func(ctx context.Context, info auth.Info, args json.RawMessage) (any, error) {
		return svc.List(), nil
	})

	s.register("cap:lookup", func(ctx context.Context, info auth.Info, args json.RawMessage) (any, error) {
		var p struct {
			ID string `json:"id" validate:"required"`
		}
		if err := decodeAndValidate(args, &p); err != nil {
			return nil, err
		}
		return svc.Lookup(p.ID)
	})

	s.register("cap:whois", func(ctx context.Context, info auth.Info, args json.RawMessage) (any, error) {
		var p struct {
			ID string `json:"id" validate:"required"`
		}
		if err := decodeAndValidate(args, &p); err != nil {
			return nil, err
		}
		return svc.Whois(p.ID)
	})

	s.register("cap:rename", func(ctx context.Context, info auth.Info, args json.RawMessage) (any, error) {
		var p struct {
			ID        string `json:"id" validate:"required"`
			Namespace string `json:"namespace" validate:"required"`
			Action    string `json:"action" validate:"required"`
		}
		if err := decodeAndValidate(args, &p); err != nil {
			return nil, err
		}
		renamed, err := svc.Rename(p.ID, p.Namespace, p.Action)
		if err != nil {
			return nil, err
		}
		s.events.PublishZoneEvent(syncctl.ZoneEvent{Type: syncctl.EventZoneUpdated, Capability: &renamed})
		return renamed, nil
	})

	s.register("cap:merge", func(ctx context.Context, info auth.Info, args json.RawMessage) (any, error) {
		var p struct {
			TargetID string `json:"target_id" validate:"required"`
			SourceID string `json:"source_id" validate:"required"`
		}
		if err := decodeAndValidate(args, &p); err != nil {
			return nil, err
		}
		merged, err := svc.Merge(p.TargetID, p.SourceID)
		if err != nil {
			return nil, err
		}
		s.events.PublishZoneEvent(syncctl.ZoneEvent{Type: syncctl.EventZoneMerged, Capability: &merged, SourceID: p.SourceID})
		return merged, nil
	})
}

// RegisterExecution wires suggest_plan, execute_code, apply_decision, and
// the workflow:status/workflow:cancel operational companions.
func (s *Server) RegisterExecution(p Planner, e Executor) {
	s.register("suggest_plan", func(ctx context.Context, info auth.Info, args json.RawMessage) (any, error) {
		var req struct {
			Intent       string         `json:"intent" validate:"required"`
			GraphContext map[string]any `json:"graph_context"`
		}
		if err := decodeAndValidate(args, &req); err != nil {
			return nil, err
		}
		return p.InitialPlan(ctx, req.Intent, req.GraphContext)
	})

	s.register("execute_code", func(ctx context.Context, info auth.Info, args json.RawMessage) (any, error) {
		var req struct {
			WorkflowID string     `json:"workflow_id"`
			DAG        domain.DAG `json:"dag"`
		}
		if err := decodeAndValidate(args, &req); err != nil {
			return nil, err
		}
		if len(req.DAG.Tasks) == 0 {
			return nil, fmt.Errorf("%w: dag.tasks must not be empty", domain.ErrInvalidInput)
		}
		workflowID := req.WorkflowID
		if workflowID == "" {
			workflowID = uuid.NewString()
		}

		dag := req.DAG
		go func() {
			if _, err := e.Run(context.Background(), workflowID, &dag); err != nil {
				s.logger.Error("execute_code: workflow run failed", "workflow_id", workflowID, "error", err)
			}
		}()

		return map[string]any{"workflow_id": workflowID, "state": "accepted"}, nil
	})

	s.register("apply_decision", func(ctx context.Context, info auth.Info, args json.RawMessage) (any, error) {
		var req struct {
			WorkflowID string            `json:"workflow_id" validate:"required"`
			Decision   executor.Decision `json:"decision" validate:"required"`
		}
		if err := decodeAndValidate(args, &req); err != nil {
			return nil, err
		}
		if err := s.decisions.Apply(req.WorkflowID, req.Decision); err != nil {
			return nil, err
		}
		return map[string]any{"workflow_id": req.WorkflowID, "applied": req.Decision}, nil
	})

	s.register("workflow:status", func(ctx context.Context, info auth.Info, args json.RawMessage) (any, error) {
		var p struct {
			WorkflowID string `json:"workflow_id" validate:"required"`
		}
		if err := decodeAndValidate(args, &p); err != nil {
			return nil, err
		}
		status, ok := e.Status(p.WorkflowID)
		if !ok {
			return nil, fmt.Errorf("%w: workflow %q", domain.ErrNodeNotFound, p.WorkflowID)
		}
		return status, nil
	})

	s.register("workflow:cancel", func(ctx context.Context, info auth.Info, args json.RawMessage) (any, error) {
		var p struct {
			WorkflowID string `json:"workflow_id" validate:"required"`
		}
		if err := decodeAndValidate(args, &p); err != nil {
			return nil, err
		}
		e.Cancel(p.WorkflowID)
		return map[string]any{"workflow_id": p.WorkflowID, "cancelled": true}, nil
	})
}

// decodeAndValidate unmarshals raw into dst and runs struct-tag validation,
// returning a domain.ErrInvalidInput-classified error on either failure so
// the RPC edge always reports cap:rename-style bad input as Validation.
func decodeAndValidate(raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, err)
	}
	return nil
}
