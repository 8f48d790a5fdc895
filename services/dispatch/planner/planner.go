// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package planner turns goal metadata into an execution plan.
//
// The planner is a pure function of its inputs and the read-only tool
// registry: it selects tools through an ordered rule list, picks an execution
// strategy, detects conflicts, resolves them according to the configured
// policy, and explains its decision in a short rationale.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch/config"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/registry"
)

var plannerTracer = otel.Tracer("aleutian.dispatch.planner")

// MaxReasoningWords caps the plan rationale.
const MaxReasoningWords = 50

// Registry is the read-only tool lookup the planner needs.
type Registry interface {
	Lookup(name string) (registry.ToolDescriptor, bool)
}

// Config controls per-plan defaults and conflict handling.
type Config struct {
	// Policy is one of config.PolicyAutoSelect, PolicyUserFeedback, PolicyCreateNew.
	Policy string

	// ToolTimeout is written into every ToolSpec. Zero uses config.DefaultToolTimeout.
	ToolTimeout time.Duration

	// RetryCount is written into every ToolSpec. Negative uses config.DefaultToolRetries.
	RetryCount int
}

// DefaultConfig returns the user_feedback policy with a 30s timeout and 2 retries.
func DefaultConfig() Config {
	return Config{
		Policy:      config.PolicyUserFeedback,
		ToolTimeout: config.DefaultToolTimeout,
		RetryCount:  config.DefaultToolRetries,
	}
}

// Planner builds execution plans from goal metadata.
//
// Thread Safety: Safe for concurrent use. All state is read-only after New.
type Planner struct {
	registry Registry
	rules    *config.PlannerRules
	cfg      Config
	logger   *slog.Logger

	plansTotal     metric.Int64Counter
	conflictsTotal metric.Int64Counter
}

// New creates a planner.
//
// Inputs:
//
//	reg - Tool registry. Must not be nil.
//	rules - Planner rule set. Must not be nil.
//	cfg - Policy and per-tool defaults.
//	logger - Structured logger. Nil uses slog.Default().
//
// Outputs:
//
//	*Planner - Ready to plan.
//	error - Non-nil on a nil dependency or unknown policy.
func New(reg Registry, rules *config.PlannerRules, cfg Config, logger *slog.Logger) (*Planner, error) {
	if reg == nil {
		return nil, fmt.Errorf("planner.New: registry must not be nil")
	}
	if rules == nil {
		return nil, fmt.Errorf("planner.New: rules must not be nil")
	}
	switch cfg.Policy {
	case config.PolicyAutoSelect, config.PolicyUserFeedback, config.PolicyCreateNew:
	case "":
		cfg.Policy = config.PolicyUserFeedback
	default:
		return nil, fmt.Errorf("planner.New: unknown resolution policy %q", cfg.Policy)
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = config.DefaultToolTimeout
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = config.DefaultToolRetries
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Planner{
		registry: reg,
		rules:    rules,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "planner")),
	}
	p.initInstruments()
	return p, nil
}

func (p *Planner) initInstruments() {
	meter := otel.Meter("aleutian.dispatch.planner")

	var err error
	p.plansTotal, err = meter.Int64Counter("dispatch.planner.plans",
		metric.WithDescription("Plans created by strategy and feedback requirement"))
	if err != nil {
		p.logger.Warn("planner plan counter unavailable", slog.String("error", err.Error()))
		p.plansTotal, _ = noop.Meter{}.Int64Counter("dispatch.planner.plans")
	}
	p.conflictsTotal, err = meter.Int64Counter("dispatch.planner.conflicts",
		metric.WithDescription("Conflicts detected by type and severity"))
	if err != nil {
		p.logger.Warn("planner conflict counter unavailable", slog.String("error", err.Error()))
		p.conflictsTotal, _ = noop.Meter{}.Int64Counter("dispatch.planner.conflicts")
	}
}

// Policy returns the active conflict resolution policy.
func (p *Planner) Policy() string { return p.cfg.Policy }

// CreatePlan produces the execution plan for one request.
//
// Description:
//
//	Short-circuits with a clarification request when the goal is unclear.
//	Otherwise selects tools, picks a strategy, builds the plan (unavailable
//	tools keep their slot with an empty endpoint), detects conflicts, applies
//	the resolution policy, and attaches a rationale and fallbacks. Never
//	fails: an empty selection yields an empty single-strategy plan.
//
// Inputs:
//
//	ctx - Context for tracing and metrics.
//	meta - The goal metadata for this request.
//
// Outputs:
//
//	datatypes.PlannerOutput - The plan and everything needed to act on it.
//
// Thread Safety: Safe for concurrent use.
func (p *Planner) CreatePlan(ctx context.Context, meta datatypes.GoalMetadata) datatypes.PlannerOutput {
	ctx, span := plannerTracer.Start(ctx, "planner.CreatePlan")
	defer span.End()
	span.SetAttributes(
		attribute.String("goal", meta.Goal),
		attribute.String("data_type", meta.DataType),
		attribute.String("policy", p.cfg.Policy),
	)

	if meta.NeedsClarification() {
		out := p.clarificationOutput(meta)
		span.SetAttributes(attribute.Bool("clarification", true))
		p.record(ctx, out)
		p.logger.Info("plan requires clarification",
			slog.String("goal", meta.Goal),
			slog.Int("alternatives", len(meta.SuggestedAlternatives)),
		)
		return out
	}

	tools := p.selectTools(meta)
	strategy := p.determineStrategy(tools)
	plan := p.buildPlan(tools, strategy, meta.Parameters)
	conflicts := p.detectConflicts(tools, meta, plan)
	requiresFeedback, plan := p.resolveConflicts(plan, conflicts, meta)

	out := datatypes.PlannerOutput{
		ExecutionPlan:        plan,
		Conflicts:            conflicts,
		RequiresUserFeedback: requiresFeedback,
		Reasoning:            p.buildReasoning(meta.Goal, plan.ToolIDs(), plan.Strategy, conflicts),
		FallbackOptions:      p.buildFallbacks(meta.Goal, tools),
		Metadata:             p.metadata(meta, len(plan.Tools)),
	}

	span.SetAttributes(
		attribute.String("strategy", string(plan.Strategy)),
		attribute.Int("tool_count", len(plan.Tools)),
		attribute.Int("conflict_count", len(conflicts)),
		attribute.Bool("requires_user_feedback", requiresFeedback),
	)
	p.record(ctx, out)

	p.logger.Info("plan created",
		slog.String("goal", meta.Goal),
		slog.Int("tools", len(plan.Tools)),
		slog.String("strategy", string(plan.Strategy)),
		slog.Int("conflicts", len(conflicts)),
		slog.Bool("requires_user_feedback", requiresFeedback),
	)
	return out
}

func (p *Planner) record(ctx context.Context, out datatypes.PlannerOutput) {
	p.plansTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", string(out.ExecutionPlan.Strategy)),
		attribute.Bool("requires_user_feedback", out.RequiresUserFeedback),
	))
	for _, c := range out.Conflicts {
		p.conflictsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(c.Type)),
			attribute.String("severity", string(c.Severity)),
		))
	}
}

func (p *Planner) metadata(meta datatypes.GoalMetadata, toolCount int) datatypes.PlanMetadata {
	return datatypes.PlanMetadata{
		Goal:       meta.Goal,
		DataType:   meta.DataType,
		ToolCount:  toolCount,
		Policy:     p.cfg.Policy,
		Confidence: meta.Confidence,
	}
}

// clarificationOutput builds the short-circuit result for an unclear goal.
func (p *Planner) clarificationOutput(meta datatypes.GoalMetadata) datatypes.PlannerOutput {
	options := make([]datatypes.FeedbackOption, 0, len(meta.SuggestedAlternatives))
	for i, alt := range meta.SuggestedAlternatives {
		options = append(options, datatypes.FeedbackOption{
			OptionID: fmt.Sprintf("alternative_%d", i),
			Message:  fmt.Sprintf("Did you mean %s?", alt),
			Actions:  []string{"select_goal"},
		})
	}

	return datatypes.PlannerOutput{
		ExecutionPlan: datatypes.ExecutionPlan{
			Strategy: datatypes.StrategySingle,
			Tools:    []datatypes.ToolSpec{},
		},
		Conflicts:            []datatypes.Conflict{},
		RequiresUserFeedback: true,
		Reasoning:            "Goal unclear. Clarification required before planning.",
		FallbackOptions:      []datatypes.FallbackOption{},
		Metadata:             p.metadata(meta, 0),
		Feedback: &datatypes.FeedbackRequest{
			Status:  datatypes.FeedbackStatusClarification,
			Message: "Could not determine the analysis goal. Please clarify your request.",
			Options: options,
		},
	}
}
