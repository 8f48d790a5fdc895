// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch exposes plan-and-dispatch orchestration over HTTP.
//
// A Service combines the planner and the invocation layer: it turns goal
// metadata into a plan, executes the plan against remote tool services, and
// records a per-request timeline. Handlers serve it under /v1/dispatch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch/config"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/registry"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/telemetry"
)

// Version is reported by the health endpoints. Overridden at build time.
var Version = "0.1.0"

var serviceTracer = otel.Tracer("aleutian.dispatch")

// Request validation errors.
var (
	ErrUnsupportedMode = errors.New("only sync mode is supported")
	ErrMissingGoal     = errors.New("goal is required unless clarification is requested")
	ErrPlanTooLarge    = errors.New("plan exceeds the maximum number of tools")
)

// Planner creates execution plans.
type Planner interface {
	CreatePlan(ctx context.Context, meta datatypes.GoalMetadata) datatypes.PlannerOutput
}

// Executor runs execution plans.
type Executor interface {
	Execute(ctx context.Context, out datatypes.PlannerOutput, data datatypes.RequestData) datatypes.InvocationOutput
}

// ToolCatalog lists registered tools and resolves them by name.
type ToolCatalog interface {
	Lookup(name string) (registry.ToolDescriptor, bool)
	List() []registry.ToolDescriptor
	Len() int
}

// ExecuteLimits bounds plans submitted directly to Execute.
type ExecuteLimits struct {
	// MaxTools caps the number of tools in one plan.
	MaxTools int

	// MaxTimeout caps the per-attempt timeout. Tools without a timeout get it.
	MaxTimeout time.Duration

	// MaxRetries caps the retry count of each tool.
	MaxRetries int
}

// DefaultExecuteLimits returns the limits matching the service defaults.
func DefaultExecuteLimits() ExecuteLimits {
	return ExecuteLimits{
		MaxTools:   config.DefaultMaxPlanTools,
		MaxTimeout: config.DefaultToolTimeout,
		MaxRetries: config.DefaultToolRetries,
	}
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithExecuteLimits overrides the bounds applied to submitted plans.
// Zero MaxTools or MaxTimeout and negative MaxRetries keep their defaults.
func WithExecuteLimits(limits ExecuteLimits) ServiceOption {
	return func(s *Service) {
		if limits.MaxTools > 0 {
			s.limits.MaxTools = limits.MaxTools
		}
		if limits.MaxTimeout > 0 {
			s.limits.MaxTimeout = limits.MaxTimeout
		}
		if limits.MaxRetries >= 0 {
			s.limits.MaxRetries = limits.MaxRetries
		}
	}
}

// Service orchestrates planning and execution.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	planner  Planner
	executor Executor
	catalog  ToolCatalog
	limits   ExecuteLimits
	logger   *slog.Logger
}

// NewService creates a service.
//
// Inputs:
//
//	planner - Must not be nil.
//	executor - Must not be nil.
//	catalog - Must not be nil.
//	logger - Nil uses slog.Default().
//	opts - Optional settings such as WithExecuteLimits.
//
// Outputs:
//
//	*Service - Ready to serve.
//	error - Non-nil on a nil dependency.
func NewService(planner Planner, executor Executor, catalog ToolCatalog, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if planner == nil || executor == nil || catalog == nil {
		return nil, fmt.Errorf("dispatch.NewService: planner, executor and catalog are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		planner:  planner,
		executor: executor,
		catalog:  catalog,
		limits:   DefaultExecuteLimits(),
		logger:   logger.With(slog.String("component", "dispatch")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Plan creates the plan for meta without executing it.
func (s *Service) Plan(ctx context.Context, meta datatypes.GoalMetadata) datatypes.PlannerOutput {
	return s.planner.CreatePlan(ctx, meta)
}

// Execute runs a previously created plan.
//
// Description:
//
//	The plan comes from the caller, so only tool identity, order, params and
//	strategy are trusted. Endpoints and versions are resolved from the
//	registry again; tools the registry does not know run as unavailable.
//	Timeouts and retry counts are clamped to the service limits.
//
// Outputs:
//
//	datatypes.InvocationOutput - Aggregated results.
//	error - ErrPlanTooLarge when the plan has more than MaxTools tools.
//
// Thread Safety: Safe for concurrent use.
func (s *Service) Execute(ctx context.Context, out datatypes.PlannerOutput, data datatypes.RequestData) (datatypes.InvocationOutput, error) {
	if len(out.ExecutionPlan.Tools) > s.limits.MaxTools {
		return datatypes.InvocationOutput{}, fmt.Errorf("%w: %d > %d", ErrPlanTooLarge, len(out.ExecutionPlan.Tools), s.limits.MaxTools)
	}
	return s.executor.Execute(ctx, s.resolvePlan(out), data), nil
}

// resolvePlan returns a copy of out with registry endpoints and bounded
// timeouts and retries.
func (s *Service) resolvePlan(out datatypes.PlannerOutput) datatypes.PlannerOutput {
	maxTimeout := datatypes.TimeoutSeconds(s.limits.MaxTimeout)

	tools := make([]datatypes.ToolSpec, len(out.ExecutionPlan.Tools))
	for i, spec := range out.ExecutionPlan.Tools {
		spec.Endpoint = ""
		spec.Version = ""
		if desc, ok := s.catalog.Lookup(spec.ToolID); ok {
			spec.Endpoint = desc.RESTEndpoint()
			spec.Version = desc.Version
		} else {
			s.logger.Warn("submitted plan names an unregistered tool", slog.String("tool_id", spec.ToolID))
		}
		if spec.TimeoutSeconds <= 0 || spec.TimeoutSeconds > maxTimeout {
			spec.TimeoutSeconds = maxTimeout
		}
		spec.RetryCount = min(max(spec.RetryCount, 0), s.limits.MaxRetries)
		tools[i] = spec
	}

	out.ExecutionPlan.Tools = tools
	return out
}

// Tools lists the registered tools sorted by name.
func (s *Service) Tools() []registry.ToolDescriptor {
	return s.catalog.List()
}

// Ready reports whether the service can plan: at least one tool is registered.
func (s *Service) Ready() bool {
	return s.catalog.Len() > 0
}

// Analyze plans and executes one request.
//
// Description:
//
//	Validates the request, plans it, builds the shared tool payload from
//	the data pointer, and executes the plan. A plan that requires user
//	feedback is still passed to the executor, which returns the feedback
//	payload without calling any tool. Every stage is recorded on the
//	returned timeline.
//
// Inputs:
//
//	ctx - Request context.
//	req - The analyze request.
//	requestID - Correlation ID for logs, timeline and tool context.
//
// Outputs:
//
//	*AnalyzeResponse - Plan, aggregated result and timeline.
//	error - ErrUnsupportedMode or ErrMissingGoal. Tool failures are not errors.
//
// Thread Safety: Safe for concurrent use.
func (s *Service) Analyze(ctx context.Context, req AnalyzeRequest, requestID string) (*AnalyzeResponse, error) {
	if req.Mode != "" && req.Mode != ModeSync {
		return nil, ErrUnsupportedMode
	}
	if req.Goal.Goal == "" && !req.Goal.RequiresClarification {
		return nil, ErrMissingGoal
	}

	ctx, span := serviceTracer.Start(ctx, "dispatch.Analyze")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("tenant_id", req.TenantID),
		attribute.String("goal", req.Goal.Goal),
	)

	traceID := traceIDFrom(ctx)
	logger := telemetry.LoggerWithTrace(ctx, s.logger).With(slog.String("request_id", requestID))
	tl := NewTimeline(requestID)

	tl.Start("planning", "Planning", map[string]any{"goal": req.Goal.Goal})
	plan := s.planner.CreatePlan(ctx, req.Goal)
	tl.Complete("planning", map[string]any{
		"strategy":               string(plan.ExecutionPlan.Strategy),
		"tools":                  plan.ExecutionPlan.ToolIDs(),
		"requires_user_feedback": plan.RequiresUserFeedback,
	})

	tl.Start("execution", "Tool Invocation", map[string]any{"tool_count": len(plan.ExecutionPlan.Tools)})
	result := s.executor.Execute(ctx, plan, BuildRequestData(req, requestID, traceID))
	for _, r := range result.Results {
		meta := map[string]any{"attempts": r.Attempts, "duration_ms": r.DurationMs}
		if r.Status == datatypes.ToolStatusSuccess {
			tl.Record("tool:"+r.ToolID, r.ToolID, TaskCompleted, meta)
			continue
		}
		meta["error"] = r.Error
		meta["status"] = string(r.Status)
		tl.Record("tool:"+r.ToolID, r.ToolID, TaskFailed, meta)
	}
	summary := map[string]any{"status": string(result.Status), "summary": result.Summary}
	if result.Status == datatypes.StatusFailed {
		tl.Fail("execution", "all tools failed", summary)
	} else {
		tl.Complete("execution", summary)
	}
	tl.Finish()

	view := tl.View()
	span.SetAttributes(attribute.String("status", string(result.Status)))
	logger.Info("analyze request completed",
		slog.String("goal", req.Goal.Goal),
		slog.String("status", string(result.Status)),
		slog.Int("tools", len(result.Results)),
		slog.Float64("duration_seconds", view.DurationSeconds),
	)

	return &AnalyzeResponse{
		RequestID: requestID,
		TraceID:   traceID,
		Plan:      plan,
		Result:    result,
		Timeline:  view,
	}, nil
}

func traceIDFrom(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
