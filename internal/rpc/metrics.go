// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rpc

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsNamespace/Subsystem follow a fixed namespace and a per-surface
// subsystem, so every metric this process exports is unambiguous in a
// shared Prometheus instance.
const (
	metricsNamespace = "pmcore"
	rpcSubsystem     = "rpc"
)

var (
	rpcRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: rpcSubsystem,
		Name:      "requests_total",
		Help:      "Total JSON-RPC requests handled, by method and outcome.",
	}, []string{"method", "outcome"})

	rpcRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: rpcSubsystem,
		Name:      "request_duration_seconds",
		Help:      "JSON-RPC request handling latency, by method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
)

// metricsHandler wraps promhttp.Handler for mounting via gin.WrapH.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
