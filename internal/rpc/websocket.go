// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rpc

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/procedural-memory/pmcore/internal/executor"
)

// wsUpgrader leaves origin checks to whatever reverse proxy fronts this
// service, and sizes buffers for DAG/trace-sized payloads rather than
// small chat turns.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1 * 1024 * 1024,
	WriteBufferSize: 1 * 1024 * 1024,
}

// wsMessage is the bidirectional HIL/AIL channel's wire format. A client
// sends {action: "decide", workflow_id, decision} to answer a suspended
// workflow; the server sends {action: "decision_applied", ...} once
// applied and {action: "error", error} on failure.
type wsMessage struct {
	Action     string            `json:"action"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	Decision   executor.Decision `json:"decision,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// handleWebSocket serves the HIL/AIL bidirectional channel: a client
// connects, and for every "decide" message whose workflow_id has a
// suspended workflow awaiting a decision, forwards it to the
// DecisionBroker. Outbound messages go through a per-connection rate
// limiter configured like the one on /events/stream.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	limiter := rate.NewLimiter(rate.Limit(eventsPerSecond), eventsPerSecond/5+1)
	ctx := c.Request.Context()

	send := func(v wsMessage) {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if err := conn.WriteJSON(v); err != nil {
			s.logger.Debug("failed to write websocket JSON", "error", err)
		}
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			s.logger.Debug("websocket client disconnected", "error", err)
			return
		}

		switch msg.Action {
		case "decide":
			if err := s.decisions.Apply(msg.WorkflowID, msg.Decision); err != nil {
				send(wsMessage{Action: "error", WorkflowID: msg.WorkflowID, Error: err.Error()})
				continue
			}
			send(wsMessage{Action: "decision_applied", WorkflowID: msg.WorkflowID, Decision: msg.Decision})
		default:
			send(wsMessage{Action: "error", Error: "unknown action: " + msg.Action})
		}
	}
}
