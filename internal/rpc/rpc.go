// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rpc exposes the procedural memory layer over JSON-RPC 2.0 with a
// "tools/call dispatches by name" method table, a capability.*
// Server-Sent-Events stream, and a gorilla/websocket HIL/AIL decision
// channel. Request handling attaches a request id to every log line, binds
// the body with c.ShouldBindJSON into a typed request, and branches on
// errors.Is to a stable error code.
package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/procedural-memory/pmcore/internal/domain"
	"github.com/procedural-memory/pmcore/internal/rpc/auth"
)

// ServiceVersion is the pmcore RPC surface's version, returned by
// healthz.
const ServiceVersion = "0.1.0"

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result/Error
// is set.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      any         `json:"id"`
	Result  any         `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError is the {code, message} shape every failing RPC returns.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// toolCallParams is the MCP-style envelope tools/call dispatches through:
// params.name selects the method, params.arguments holds its payload.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// methodFunc handles one dispatched method's arguments and returns a
// result value to embed in Response.Result.
type methodFunc func(ctx context.Context, info auth.Info, arguments json.RawMessage) (any, error)

// Server wires every method this RPC surface exposes and serves them over
// HTTP via gin.
type Server struct {
	logger     *slog.Logger
	authProvider auth.Provider
	methods    map[string]methodFunc

	events  *EventBroker
	decisions *DecisionBroker
}

// New constructs a Server with no methods registered; call Register* for
// each capability this deployment wires in.
func New(authProvider auth.Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if authProvider == nil {
		authProvider = auth.LocalProvider{}
	}
	return &Server{
		logger:       logger,
		authProvider: authProvider,
		methods:      make(map[string]methodFunc),
		events:       NewEventBroker(),
		decisions:    NewDecisionBroker(),
	}
}

// Events returns the broker backing /events/stream, also usable as a
// syncctl.EventBus once wrapped (see EventBroker.AsZoneBus).
func (s *Server) Events() *EventBroker { return s.events }

// Decisions returns the broker backing apply_decision / the websocket
// HIL/AIL channel, usable as an executor.DecisionProvider.
func (s *Server) Decisions() *DecisionBroker { return s.decisions }

// register adds name to the dispatch table. Re-registering a name
// overwrites the previous handler, which is convenient for tests but never
// exercised twice in production wiring.
func (s *Server) register(name string, fn methodFunc) {
	s.methods[name] = fn
}

// Router builds the gin.Engine serving this Server: /rpc for JSON-RPC 2.0,
// /events/stream for SSE, /ws for the HIL/AIL websocket, /healthz and
// /metrics for operational surfaces. debug enables gin's request logger.
func (s *Server) Router(debug bool) *gin.Engine {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("pmcore"))
	if debug {
		router.Use(gin.Logger())
	}

	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics", gin.WrapH(metricsHandler()))

	protected := router.Group("/")
	protected.Use(auth.Middleware(s.authProvider))
	protected.POST("/rpc", s.handleRPC)
	protected.GET("/events/stream", s.handleEventStream)
	protected.GET("/ws", s.handleWebSocket)

	return router
}

// handleRPC dispatches one JSON-RPC request. Every method funnels through
// this single entrypoint and is looked up by name: method may be the
// literal "tools/call" with params.name selecting the target, or (for
// convenience against non-MCP clients) the method name directly.
func (s *Server) handleRPC(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := s.logger.With("request_id", requestID, "handler", "rpc")

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid JSON-RPC request body", "error", err)
		c.JSON(http.StatusBadRequest, Response{JSONRPC: "2.0", Error: &RPCError{Code: errCodeValidation, Message: "invalid request body"}})
		return
	}

	name := req.Method
	arguments := req.Params
	if req.Method == "tools/call" {
		var call toolCallParams
		if err := json.Unmarshal(req.Params, &call); err != nil {
			c.JSON(http.StatusBadRequest, Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: errCodeValidation, Message: "invalid tools/call params"}})
			return
		}
		name = call.Name
		arguments = call.Arguments
	}

	fn, ok := s.methods[name]
	if !ok {
		rpcRequestsTotal.WithLabelValues(name, "not_found").Inc()
		c.JSON(http.StatusOK, Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: errCodeNotFound, Message: "unknown method: " + name}})
		return
	}

	start := time.Now()
	info, _ := auth.GetInfo(c)
	result, err := fn(c.Request.Context(), info, arguments)
	rpcRequestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		rpcRequestsTotal.WithLabelValues(name, "error").Inc()
		logger.Warn("method failed", "method", name, "error", err)
		c.JSON(http.StatusOK, Response{JSONRPC: "2.0", ID: req.ID, Error: classifyError(err)})
		return
	}

	rpcRequestsTotal.WithLabelValues(name, "ok").Inc()
	c.JSON(http.StatusOK, Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

// handleHealthz reports liveness.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": ServiceVersion})
}

// classifyError maps a component error to a stable JSON-RPC error code,
// keying entirely off domain.Classify so no component needs to know about
// JSON-RPC error shapes itself.
func classifyError(err error) *RPCError {
	switch domain.Classify(err) {
	case domain.TaxonomyValidation:
		return &RPCError{Code: errCodeValidation, Message: err.Error()}
	case domain.TaxonomyNotFound:
		return &RPCError{Code: errCodeNotFound, Message: err.Error()}
	case domain.TaxonomyCycle:
		return &RPCError{Code: errCodeCycle, Message: err.Error()}
	case domain.TaxonomyTimeout:
		return &RPCError{Code: errCodeTimeout, Message: err.Error()}
	case domain.TaxonomyAuth:
		return &RPCError{Code: errCodeAuth, Message: "Unauthorized"}
	case domain.TaxonomyConflict:
		return &RPCError{Code: errCodeConflict, Message: err.Error()}
	case domain.TaxonomyDependency:
		return &RPCError{Code: errCodeDependency, Message: err.Error()}
	default:
		return &RPCError{Code: errCodeInternal, Message: err.Error()}
	}
}

// Error codes follow the JSON-RPC 2.0 reserved range for implementation-
// defined server errors (-32000 to -32099), one per domain.Taxonomy value.
const (
	errCodeValidation = -32000
	errCodeNotFound   = -32001
	errCodeCycle      = -32002
	errCodeTimeout    = -32003
	errCodeAuth       = -32004
	errCodeConflict   = -32005
	errCodeDependency = -32006
	errCodeInternal   = -32099
)

// getOrCreateRequestID mirrors services/trace/handlers.go's
// getOrCreateRequestID: reuse an inbound X-Request-ID or mint one, and
// always echo it back.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
