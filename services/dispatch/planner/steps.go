// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planner

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch/config"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"
)

// =============================================================================
// Selection
// =============================================================================

// selectTools returns the ordered, de-duplicated tool chain for a goal.
//
// A forced_tools constraint is returned verbatim. Otherwise every goal rule
// whose key the goal equals or contains contributes its tools, then each
// matching secondary rule appends its tools. The preprocessing tool is put
// first only if the goal asks for it and the registry knows it.
func (p *Planner) selectTools(meta datatypes.GoalMetadata) []string {
	if forced, ok := meta.ForcedTools(); ok {
		p.logger.Info("using manually selected tools", slog.Any("tools", forced))
		return forced
	}

	var selected []string
	for _, rule := range p.rules.GoalRules {
		if rule.Matches(meta.Goal) {
			selected = append(selected, rule.Tools...)
		}
	}
	if len(selected) == 0 {
		p.logger.Warn("no primary tools for goal", slog.String("goal", meta.Goal))
	}

	for _, rule := range p.rules.SecondaryRules {
		if rule.Matches(meta.Goal) {
			selected = append(selected, rule.Tools...)
		}
	}

	tools := dedupe(selected)

	pre := p.rules.Preprocessing
	if pre.Requested(meta.Goal) {
		if _, ok := p.registry.Lookup(pre.Tool); ok {
			tools = append([]string{pre.Tool}, without(tools, pre.Tool)...)
		}
	}
	return tools
}

func without(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func dedupe(tools []string) []string {
	seen := make(map[string]bool, len(tools))
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// Strategy
// =============================================================================

// determineStrategy picks how the selected tools run.
func (p *Planner) determineStrategy(tools []string) datatypes.Strategy {
	switch {
	case len(tools) <= 1:
		return datatypes.StrategySingle
	case p.rules.IsParallelSafe(tools):
		return datatypes.StrategyParallel
	case p.rules.RequiresSequential(tools):
		return datatypes.StrategySequential
	default:
		return datatypes.StrategySequential
	}
}

// =============================================================================
// Plan Construction
// =============================================================================

// buildPlan turns tool names into ordered ToolSpecs.
//
// Unknown tools keep their position with an empty endpoint so the invocation
// layer can report them as unavailable.
func (p *Planner) buildPlan(tools []string, strategy datatypes.Strategy, params map[string]any) datatypes.ExecutionPlan {
	specs := make([]datatypes.ToolSpec, 0, len(tools))
	for _, name := range tools {
		spec := datatypes.ToolSpec{
			ToolID:         name,
			Params:         p.buildToolParams(name, params),
			TimeoutSeconds: datatypes.TimeoutSeconds(p.cfg.ToolTimeout),
			RetryCount:     p.cfg.RetryCount,
		}
		if desc, ok := p.registry.Lookup(name); ok {
			spec.Endpoint = desc.RESTEndpoint()
			spec.Version = desc.Version
		}
		specs = append(specs, spec)
	}

	plan := datatypes.ExecutionPlan{Strategy: strategy, Tools: specs}
	renumber(&plan)
	plan.EstimatedDuration = p.estimateDuration(plan)
	return plan
}

// renumber assigns Order = i+1 and the sequential dependency chain.
func renumber(plan *datatypes.ExecutionPlan) {
	for i := range plan.Tools {
		plan.Tools[i].Order = i + 1
		if plan.Strategy == datatypes.StrategySequential && i > 0 {
			plan.Tools[i].DependsOn = []int{i}
		} else {
			plan.Tools[i].DependsOn = []int{}
		}
	}
}

// buildToolParams applies common parameters, tool defaults and mappings.
func (p *Planner) buildToolParams(tool string, params map[string]any) map[string]any {
	out := make(map[string]any)
	for _, key := range p.rules.CommonParams {
		if v, ok := params[key]; ok {
			out[key] = v
		}
	}

	rule, ok := p.rules.ToolParams[tool]
	if !ok {
		return out
	}
	for k, v := range rule.Defaults {
		out[k] = v
	}
	for from, to := range rule.Mappings {
		if v, ok := params[from]; ok {
			out[to] = v
		}
	}
	return out
}

// estimateDuration sums per-tool estimates, or takes the max when parallel.
func (p *Planner) estimateDuration(plan datatypes.ExecutionPlan) float64 {
	var total float64
	for _, t := range plan.Tools {
		d := p.rules.Durations.For(t.ToolID)
		if plan.Strategy == datatypes.StrategyParallel {
			if d > total {
				total = d
			}
			continue
		}
		total += d
	}
	return total
}

// =============================================================================
// Conflicts
// =============================================================================

// detectConflicts reports everything that would stop the plan running as built.
func (p *Planner) detectConflicts(tools []string, meta datatypes.GoalMetadata, plan datatypes.ExecutionPlan) []datatypes.Conflict {
	conflicts := []datatypes.Conflict{}

	for _, name := range tools {
		if _, ok := p.registry.Lookup(name); !ok {
			conflicts = append(conflicts, datatypes.NewToolUnavailableConflict(name))
		}
	}

	for _, spec := range plan.Tools {
		rule, ok := p.rules.ToolParams[spec.ToolID]
		if !ok {
			continue
		}
		for _, param := range rule.RequiredWithoutDefault {
			if _, present := spec.Params[param]; !present {
				conflicts = append(conflicts, datatypes.NewMissingParameterConflict(spec.ToolID, param))
			}
		}
	}

	goal := strings.ToLower(meta.Goal)
	for _, req := range p.rules.DataTypeRequirements {
		if !strings.Contains(goal, strings.ToLower(req.Goal)) {
			continue
		}
		if meta.DataType != req.Expected {
			msg := req.Message
			if msg == "" {
				msg = fmt.Sprintf("%s requires %s data", req.Goal, req.Expected)
			}
			conflicts = append(conflicts, datatypes.NewDataTypeMismatchConflict(req.Expected, meta.DataType, msg))
		}
	}

	if limit, ok := meta.MaxTime(); ok && plan.EstimatedDuration > limit.Seconds() {
		conflicts = append(conflicts, datatypes.NewConstraintViolationConflict(
			datatypes.ConstraintMaxTime,
			fmt.Sprintf("Estimated duration %.1fs exceeds max_time %.1fs", plan.EstimatedDuration, limit.Seconds()),
		))
	}

	return conflicts
}

// =============================================================================
// Resolution
// =============================================================================

// resolveConflicts applies the configured policy.
//
// auto_select never asks for feedback: it drops unavailable tools, recomputes
// the strategy and dependency chain, and fills a missing metric from the data
// columns when it can. user_feedback asks only on a high-severity conflict.
// create_new asks on any conflict. The plan is returned unmodified whenever
// feedback is requested.
func (p *Planner) resolveConflicts(plan datatypes.ExecutionPlan, conflicts []datatypes.Conflict, meta datatypes.GoalMetadata) (bool, datatypes.ExecutionPlan) {
	if len(conflicts) == 0 {
		return false, plan
	}

	switch p.cfg.Policy {
	case config.PolicyAutoSelect:
		return false, p.autoResolve(plan, conflicts, meta)
	case config.PolicyCreateNew:
		p.logger.Info("conflicts detected, suggesting new tool creation", slog.Int("conflicts", len(conflicts)))
		return true, plan
	default:
		for _, c := range conflicts {
			if c.Severity == datatypes.SeverityHigh {
				p.logger.Info("high severity conflict, requesting user feedback",
					slog.String("type", string(c.Type)),
					slog.String("tool", c.Tool),
				)
				return true, plan
			}
		}
		return false, plan
	}
}

func (p *Planner) autoResolve(plan datatypes.ExecutionPlan, conflicts []datatypes.Conflict, meta datatypes.GoalMetadata) datatypes.ExecutionPlan {
	resolved := datatypes.ExecutionPlan{Tools: make([]datatypes.ToolSpec, 0, len(plan.Tools))}

	drop := make(map[string]bool)
	for _, c := range conflicts {
		if c.Type == datatypes.ConflictToolUnavailable {
			drop[c.Tool] = true
			p.logger.Warn("removed unavailable tool", slog.String("tool", c.Tool))
		}
	}

	for _, t := range plan.Tools {
		if drop[t.ToolID] {
			continue
		}
		params := make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			params[k] = v
		}
		t.Params = params
		resolved.Tools = append(resolved.Tools, t)
	}

	var columns []string
	if meta.DataCharacteristics != nil {
		columns = meta.DataCharacteristics.Columns
	}
	for _, c := range conflicts {
		if c.Type != datatypes.ConflictMissingParameter || c.Parameter != "metric" || len(columns) <= 1 {
			continue
		}
		for i := range resolved.Tools {
			if resolved.Tools[i].ToolID == c.Tool {
				resolved.Tools[i].Params["metric"] = columns[len(columns)-1]
				p.logger.Info("auto-resolved missing metric",
					slog.String("tool", c.Tool),
					slog.String("metric", columns[len(columns)-1]),
				)
			}
		}
	}

	resolved.Strategy = p.determineStrategy(resolved.ToolIDs())
	renumber(&resolved)
	resolved.EstimatedDuration = p.estimateDuration(resolved)
	return resolved
}

// =============================================================================
// Reasoning and Fallbacks
// =============================================================================

// buildReasoning explains the plan in at most MaxReasoningWords words.
func (p *Planner) buildReasoning(goal string, tools []string, strategy datatypes.Strategy, conflicts []datatypes.Conflict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s. ", goal)

	switch len(tools) {
	case 0:
		b.WriteString("No suitable tools found. ")
	case 1:
		fmt.Fprintf(&b, "Single tool (%s) selected. ", tools[0])
	default:
		fmt.Fprintf(&b, "%d tools chained: %s. ", len(tools), strings.Join(tools, ", "))
	}

	fmt.Fprintf(&b, "Execution strategy: %s. ", strategy)

	if len(conflicts) > 0 {
		fmt.Fprintf(&b, "%d conflicts detected.", len(conflicts))
	} else {
		b.WriteString("No conflicts.")
	}

	return capWords(b.String(), MaxReasoningWords)
}

func capWords(s string, limit int) string {
	words := strings.Fields(s)
	if len(words) <= limit {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:limit], " ")
}

// buildFallbacks returns goal-specific alternatives followed by the generic one.
func (p *Planner) buildFallbacks(goal string, tools []string) []datatypes.FallbackOption {
	fallbacks := []datatypes.FallbackOption{}

	for _, rule := range p.rules.Fallbacks {
		if rule.Goal != goal {
			continue
		}
		if rule.Tool != "" && !contains(tools, rule.Tool) {
			continue
		}
		fallbacks = append(fallbacks, toFallbackOption(rule))
	}

	return append(fallbacks, toFallbackOption(p.rules.GenericFallback))
}

func toFallbackOption(rule config.FallbackRule) datatypes.FallbackOption {
	tools := make([]string, len(rule.Tools))
	copy(tools, rule.Tools)

	var override map[string]any
	if len(rule.ParamsOverride) > 0 {
		override = make(map[string]any, len(rule.ParamsOverride))
		for k, v := range rule.ParamsOverride {
			override[k] = v
		}
	}

	return datatypes.FallbackOption{
		Option:         rule.Option,
		Tools:          tools,
		Action:         rule.Action,
		ParamsOverride: override,
	}
}
