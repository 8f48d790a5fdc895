// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package invocation executes plans against remote tool services.
//
// A Layer dispatches a plan by strategy, calls each tool over signed HTTP
// with bounded retries, and folds the per-tool results into one
// InvocationOutput. Tool failures are values, never Go errors.
package invocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch/config"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"
)

var invocationTracer = otel.Tracer("aleutian.dispatch.invocation")

// Signer produces the X-Signature value for a request body.
type Signer interface {
	Sign(body []byte) (string, error)
}

// LatencySink receives every completed tool invocation.
//
// Implementations must not block for long; RecordInvocation runs on the
// invoking goroutine.
type LatencySink interface {
	RecordInvocation(ctx context.Context, result datatypes.ToolInvocationResult)
}

// LayerOption configures a Layer.
type LayerOption func(*Layer)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) LayerOption {
	return func(l *Layer) {
		if c != nil {
			l.client = c
		}
	}
}

// WithPoolSize sets the number of parallel slots. Values < 1 are ignored.
func WithPoolSize(n int) LayerOption {
	return func(l *Layer) {
		if n > 0 {
			l.poolSize = n
		}
	}
}

// WithParallelWait sets the per-future collection bound for parallel plans.
func WithParallelWait(d time.Duration) LayerOption {
	return func(l *Layer) {
		if d > 0 {
			l.parallelWait = d
		}
	}
}

// WithRateLimit throttles calls per tool host. Zero disables throttling.
func WithRateLimit(perSecond float64) LayerOption {
	return func(l *Layer) {
		l.limiter = newEndpointLimiter(perSecond)
	}
}

// WithLatencySink forwards every invocation result to sink.
func WithLatencySink(sink LatencySink) LayerOption {
	return func(l *Layer) {
		l.sink = sink
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) LayerOption {
	return func(l *Layer) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Layer executes plans.
//
// Thread Safety: Safe for concurrent use. Every parallel execution shares
// one bounded pool.
type Layer struct {
	signer       Signer
	client       *http.Client
	poolSize     int
	parallelWait time.Duration
	limiter      *endpointLimiter
	sink         LatencySink
	logger       *slog.Logger
	pool         *Pool
}

// NewLayer creates an invocation layer.
//
// Inputs:
//
//	signer - Signs every request body. Must not be nil.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Layer - Ready to execute plans.
//	error - Non-nil if signer is nil.
//
// Example:
//
//	layer, err := invocation.NewLayer(signer,
//	    invocation.WithPoolSize(cfg.PoolSize),
//	    invocation.WithParallelWait(cfg.ParallelWait),
//	)
func NewLayer(signer Signer, opts ...LayerOption) (*Layer, error) {
	if signer == nil {
		return nil, fmt.Errorf("invocation.NewLayer: signer must not be nil")
	}

	l := &Layer{
		signer:       signer,
		client:       &http.Client{},
		poolSize:     config.DefaultPoolSize,
		parallelWait: config.DefaultParallelWait,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("component", "invocation"))
	l.pool = NewPool(l.poolSize, l.logger)
	return l, nil
}

// Pool returns the shared worker pool.
func (l *Layer) Pool() *Pool { return l.pool }

// =============================================================================
// Execute
// =============================================================================

// Execute runs a plan and aggregates the outcome.
//
// Description:
//
//	A plan that requires user feedback is not executed: the result carries
//	the conflict feedback payload and no tool results. Otherwise tools run
//	according to the plan strategy. A needs_feedback aggregate gets the
//	unavailable-tools payload attached.
//
// Inputs:
//
//	ctx - Bounds sequential execution and parallel collection.
//	out - The planner output to execute.
//	data - Request payload shared by every tool. Never mutated.
//
// Outputs:
//
//	datatypes.InvocationOutput - Always populated; Execute never fails.
//
// Thread Safety: Safe for concurrent use.
func (l *Layer) Execute(ctx context.Context, out datatypes.PlannerOutput, data datatypes.RequestData) datatypes.InvocationOutput {
	plan := out.ExecutionPlan
	ctx, span := invocationTracer.Start(ctx, "invocation.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("strategy", string(plan.Strategy)),
		attribute.Int("tool_count", len(plan.Tools)),
	)

	if out.RequiresUserFeedback {
		span.SetAttributes(attribute.Bool("requires_user_feedback", true))
		executionsTotal.WithLabelValues(string(plan.Strategy), string(datatypes.StatusNeedsFeedback)).Inc()
		l.logger.Info("execution deferred for user feedback",
			slog.Int("conflicts", len(out.Conflicts)),
		)
		return datatypes.InvocationOutput{
			Status:               datatypes.StatusNeedsFeedback,
			Results:              []datatypes.ToolInvocationResult{},
			UserFeedbackRequired: BuildConflictFeedback(out),
		}
	}

	var results []datatypes.ToolInvocationResult
	switch plan.Strategy {
	case datatypes.StrategySingle:
		results = l.executeSingle(ctx, plan.Tools, data)
	case datatypes.StrategySequential:
		results = l.executeSequential(ctx, plan.Tools, data)
	case datatypes.StrategyParallel:
		results = l.executeParallel(ctx, plan.Tools, data)
	default:
		results = unsupportedStrategy(plan)
	}

	agg := Aggregate(results)
	if agg.Status == datatypes.StatusNeedsFeedback {
		agg.UserFeedbackRequired = BuildUnavailableFeedback(results, out.FallbackOptions)
	}

	executionsTotal.WithLabelValues(string(plan.Strategy), string(agg.Status)).Inc()
	span.SetAttributes(
		attribute.String("status", string(agg.Status)),
		attribute.Int("successful", agg.Summary.Successful),
		attribute.Int("failed", agg.Summary.Failed),
		attribute.Int("unavailable", agg.Summary.Unavailable),
	)
	if agg.Status == datatypes.StatusFailed {
		span.SetStatus(codes.Error, "all tools failed")
	}

	l.logger.Info("plan executed",
		slog.String("strategy", string(plan.Strategy)),
		slog.String("status", string(agg.Status)),
		slog.Int("total", agg.Summary.TotalTools),
		slog.Int("successful", agg.Summary.Successful),
		slog.Int("failed", agg.Summary.Failed),
		slog.Int("unavailable", agg.Summary.Unavailable),
	)
	return agg
}

// executeSingle invokes the first tool, if any.
func (l *Layer) executeSingle(ctx context.Context, tools []datatypes.ToolSpec, data datatypes.RequestData) []datatypes.ToolInvocationResult {
	if len(tools) == 0 {
		return []datatypes.ToolInvocationResult{}
	}
	return []datatypes.ToolInvocationResult{l.InvokeTool(ctx, tools[0], data)}
}

// executeSequential invokes tools in ascending order, feeding each tool the
// previous tool's output, and stops after the first error.
func (l *Layer) executeSequential(ctx context.Context, tools []datatypes.ToolSpec, data datatypes.RequestData) []datatypes.ToolInvocationResult {
	ordered := make([]datatypes.ToolSpec, len(tools))
	copy(ordered, tools)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	results := make([]datatypes.ToolInvocationResult, 0, len(ordered))
	var previous map[string]any
	for _, spec := range ordered {
		result := l.InvokeTool(ctx, spec, MergePreviousOutput(data, previous))
		results = append(results, result)

		if result.Status == datatypes.ToolStatusError {
			l.logger.Warn("sequential execution stopped",
				slog.String("tool", spec.ToolID),
				slog.String("error", result.Error),
				slog.Int("remaining", len(ordered)-len(results)),
			)
			break
		}
		previous = result.Output
	}
	return results
}

// executeParallel submits every tool to the shared pool and collects results
// in submission order. A future not done within the wait bound is reported
// as an error and abandoned; its call keeps running to completion.
func (l *Layer) executeParallel(ctx context.Context, tools []datatypes.ToolSpec, data datatypes.RequestData) []datatypes.ToolInvocationResult {
	taskCtx := context.WithoutCancel(ctx)

	futures := make([]*Future, len(tools))
	for i, spec := range tools {
		futures[i] = l.pool.Submit(taskCtx, spec.ToolID, func(ctx context.Context) datatypes.ToolInvocationResult {
			return l.InvokeTool(ctx, spec, data)
		})
	}

	results := make([]datatypes.ToolInvocationResult, len(tools))
	for i, f := range futures {
		toolID := tools[i].ToolID
		result, err := f.Wait(ctx, l.parallelWait)
		switch {
		case err == nil:
			results[i] = result
		case errors.Is(err, ErrWaitExceeded):
			parallelWaitExceededTotal.WithLabelValues(toolID).Inc()
			l.logger.Warn("parallel tool abandoned",
				slog.String("tool", toolID),
				slog.Duration("wait", l.parallelWait),
			)
			results[i] = datatypes.ErrorResult(toolID,
				fmt.Sprintf("Tool %s did not complete within %s", toolID, l.parallelWait))
		default:
			results[i] = datatypes.ErrorResult(toolID, fmt.Sprintf("Tool %s failed: %v", toolID, err))
		}
	}
	return results
}

// unsupportedStrategy reports every tool as an error without calling it.
func unsupportedStrategy(plan datatypes.ExecutionPlan) []datatypes.ToolInvocationResult {
	msg := fmt.Sprintf("strategy %q is not supported", plan.Strategy)
	results := make([]datatypes.ToolInvocationResult, len(plan.Tools))
	for i, spec := range plan.Tools {
		results[i] = datatypes.ErrorResult(spec.ToolID, msg)
	}
	return results
}
