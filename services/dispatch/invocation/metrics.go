// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package invocation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"
)

// Package-level Prometheus metrics for tool invocation.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// toolCallDuration measures end-to-end InvokeTool latency including retries.
	//
	// Labels:
	//   - tool: tool identifier
	//   - status: "success", "error", "unavailable"
	toolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Subsystem: "invocation",
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool invocations in seconds, including retries.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"tool", "status"},
	)

	// toolCallsTotal counts tool invocations by final status.
	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "invocation",
			Name:      "tool_calls_total",
			Help:      "Total tool invocations by final status.",
		},
		[]string{"tool", "status"},
	)

	// toolAttemptsTotal counts individual HTTP attempts by outcome.
	//
	// Labels:
	//   - outcome: "success", "timeout", "connection", "http_error", "unexpected"
	toolAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "invocation",
			Name:      "tool_attempts_total",
			Help:      "Total tool call attempts by outcome.",
		},
		[]string{"tool", "outcome"},
	)

	// executionsTotal counts plan executions by strategy and aggregate status.
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "invocation",
			Name:      "executions_total",
			Help:      "Total plan executions by strategy and aggregate status.",
		},
		[]string{"strategy", "status"},
	)

	// parallelWaitExceededTotal counts parallel futures abandoned at the wait bound.
	parallelWaitExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "invocation",
			Name:      "parallel_wait_exceeded_total",
			Help:      "Parallel tool futures abandoned after the collection wait bound.",
		},
		[]string{"tool"},
	)

	// poolInFlight reports tasks currently holding a pool slot.
	poolInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dispatch",
			Subsystem: "invocation",
			Name:      "pool_in_flight",
			Help:      "Tool invocations currently holding a worker pool slot.",
		},
	)
)

// recordToolMetrics records metrics for one completed InvokeTool call.
//
// Thread Safety: Safe for concurrent use.
func recordToolMetrics(toolID string, status datatypes.ToolStatus, duration time.Duration) {
	toolCallDuration.WithLabelValues(toolID, string(status)).Observe(duration.Seconds())
	toolCallsTotal.WithLabelValues(toolID, string(status)).Inc()
}
