// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the planner rule set and the service configuration
// for the dispatch service.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"
)

var configTracer = otel.Tracer("aleutian.dispatch.config")

// MaxYAMLFileSize bounds any YAML document this package will parse.
const MaxYAMLFileSize = 1 << 20

// =============================================================================
// Embedded Default Planner Rules
// =============================================================================

//go:embed planner_rules.yaml
var defaultPlannerRulesYAML []byte

// =============================================================================
// Planner Rule Types
// =============================================================================

// PlannerRules is the declarative rule set the planner evaluates.
//
// Description:
//
//	Goal selection is an ordered list of (predicate, tools) pairs rather than
//	a closed enum, so new goal variants can be added without code changes.
//	Strategy hints, per-tool parameter mappings, duration estimates and
//	fallback options all live here too.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type PlannerRules struct {
	// GoalRules map a goal key to its primary tools. Evaluated in order.
	GoalRules []GoalRule `yaml:"goal_rules"`

	// SecondaryRules add tools when the goal mentions a keyword.
	SecondaryRules []KeywordRule `yaml:"secondary_rules"`

	// Preprocessing describes the tool prepended when the goal asks for it.
	Preprocessing PreprocessingRule `yaml:"preprocessing"`

	// ParallelSafe lists tools that may run concurrently with each other.
	ParallelSafe []string `yaml:"parallel_safe"`

	// SequentialTriggers force sequential execution when present.
	SequentialTriggers []string `yaml:"sequential_triggers"`

	// Durations are static per-tool execution estimates in seconds.
	Durations DurationTable `yaml:"durations"`

	// CommonParams are copied verbatim from goal parameters to every tool.
	CommonParams []string `yaml:"common_params"`

	// ToolParams hold per-tool parameter mappings and defaults.
	ToolParams map[string]ToolParamRule `yaml:"tool_params"`

	// DataTypeRequirements flag goals that need a particular data type.
	DataTypeRequirements []DataTypeRequirement `yaml:"data_type_requirements"`

	// Fallbacks are goal-specific alternative plans.
	Fallbacks []FallbackRule `yaml:"fallbacks"`

	// GenericFallback is always offered last.
	GenericFallback FallbackRule `yaml:"generic_fallback"`
}

// GoalRule maps a goal key to the tools that serve it.
type GoalRule struct {
	Goal  string   `yaml:"goal"`
	Tools []string `yaml:"tools"`
}

// Matches reports whether the goal equals or contains the rule's key.
func (r GoalRule) Matches(goal string) bool {
	return goal == r.Goal || strings.Contains(strings.ToLower(goal), strings.ToLower(r.Goal))
}

// KeywordRule adds tools when any keyword is a substring of the goal.
type KeywordRule struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Tools    []string `yaml:"tools"`
}

// Matches reports whether the lower-cased goal contains any keyword.
func (r KeywordRule) Matches(goal string) bool {
	lower := strings.ToLower(goal)
	for _, kw := range r.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// PreprocessingRule names a tool that must run before the rest of the chain.
type PreprocessingRule struct {
	Tool     string   `yaml:"tool"`
	Keywords []string `yaml:"keywords"`
}

// Requested reports whether the goal mentions any preprocessing keyword.
func (r PreprocessingRule) Requested(goal string) bool {
	if r.Tool == "" {
		return false
	}
	lower := strings.ToLower(goal)
	for _, kw := range r.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// DurationTable holds static execution estimates in seconds.
type DurationTable struct {
	Default float64            `yaml:"default"`
	Tools   map[string]float64 `yaml:"tools"`
}

// For returns the estimate for a tool, or the default.
func (d DurationTable) For(tool string) float64 {
	if v, ok := d.Tools[tool]; ok {
		return v
	}
	return d.Default
}

// ToolParamRule describes how goal parameters become tool parameters.
type ToolParamRule struct {
	// Mappings rename a goal parameter to a tool parameter.
	Mappings map[string]string `yaml:"mappings"`

	// Defaults apply when the mapped goal parameter is absent.
	Defaults map[string]any `yaml:"defaults"`

	// RequiredWithoutDefault lists tool parameters that must come from the goal.
	RequiredWithoutDefault []string `yaml:"required_without_default"`
}

// DataTypeRequirement flags a goal whose input must be of a given data type.
type DataTypeRequirement struct {
	Goal     string `yaml:"goal"`
	Expected string `yaml:"expected"`
	Message  string `yaml:"message"`
}

// FallbackRule is an alternative offered when the primary plan cannot run.
//
// Goal-specific rules apply when Goal equals the request goal and, if Tool is
// set, that tool is in the selected chain.
type FallbackRule struct {
	Goal           string         `yaml:"goal"`
	Tool           string         `yaml:"tool"`
	Option         string         `yaml:"option"`
	Tools          []string       `yaml:"tools"`
	Action         string         `yaml:"action"`
	ParamsOverride map[string]any `yaml:"params_override"`
}

// IsParallelSafe reports whether every tool is in the parallel-safe set.
func (r *PlannerRules) IsParallelSafe(tools []string) bool {
	if len(tools) == 0 {
		return false
	}
	safe := make(map[string]bool, len(r.ParallelSafe))
	for _, t := range r.ParallelSafe {
		safe[t] = true
	}
	for _, t := range tools {
		if !safe[t] {
			return false
		}
	}
	return true
}

// RequiresSequential reports whether any tool forces sequential execution.
func (r *PlannerRules) RequiresSequential(tools []string) bool {
	for _, t := range tools {
		for _, trig := range r.SequentialTriggers {
			if t == trig {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// Defaults
// =============================================================================

const (
	// DefaultDurationSeconds is used when a tool has no explicit estimate.
	DefaultDurationSeconds = 2.0

	// DefaultGenericFallbackOption is offered when no generic fallback is configured.
	DefaultGenericFallbackOption = "Export data for manual analysis"

	// DefaultGenericFallbackAction accompanies DefaultGenericFallbackOption.
	DefaultGenericFallbackAction = "export_data"
)

// =============================================================================
// Singleton Planner Rules
// =============================================================================

var (
	plannerRulesMu      sync.RWMutex
	plannerRulesOnce    sync.Once
	cachedPlannerRules  *PlannerRules
	plannerRulesLoadErr error
)

// GetPlannerRules returns the cached planner rule set.
//
// Description:
//
//	Loads the embedded rules on first call and caches them for subsequent
//	calls. Uses sync.Once for thread-safe initialization.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil.
//
// Outputs:
//
//	*PlannerRules - The loaded rules. Never nil on success.
//	error - Non-nil if loading or validation failed.
//
// Thread Safety: Safe for concurrent use via sync.Once.
func GetPlannerRules(ctx context.Context) (*PlannerRules, error) {
	if ctx == nil {
		return nil, fmt.Errorf("GetPlannerRules: ctx must not be nil")
	}

	plannerRulesMu.RLock()
	if cachedPlannerRules != nil || plannerRulesLoadErr != nil {
		rules, err := cachedPlannerRules, plannerRulesLoadErr
		plannerRulesMu.RUnlock()
		return rules, err
	}
	plannerRulesMu.RUnlock()

	plannerRulesMu.Lock()
	defer plannerRulesMu.Unlock()

	if cachedPlannerRules != nil || plannerRulesLoadErr != nil {
		return cachedPlannerRules, plannerRulesLoadErr
	}

	plannerRulesOnce.Do(func() {
		cachedPlannerRules, plannerRulesLoadErr = LoadPlannerRules(ctx, defaultPlannerRulesYAML)
	})

	return cachedPlannerRules, plannerRulesLoadErr
}

// ResetPlannerRules clears the cached rules so tests can reload them.
//
// Thread Safety: Safe for concurrent use.
func ResetPlannerRules() {
	plannerRulesMu.Lock()
	defer plannerRulesMu.Unlock()
	cachedPlannerRules = nil
	plannerRulesLoadErr = nil
	plannerRulesOnce = sync.Once{}
}

// LoadPlannerRules parses and validates a PlannerRules document.
//
// Description:
//
//	Parses the YAML, applies defaults for missing fields, and validates the
//	rules for consistency (non-empty goal keys and tool names).
//
// Inputs:
//
//	ctx - Context for tracing.
//	data - Raw YAML bytes to parse.
//
// Outputs:
//
//	*PlannerRules - The validated rules.
//	error - Non-nil if parsing or validation fails.
func LoadPlannerRules(ctx context.Context, data []byte) (*PlannerRules, error) {
	_, span := configTracer.Start(ctx, "config.LoadPlannerRules")
	defer span.End()

	if len(data) == 0 {
		return nil, fmt.Errorf("LoadPlannerRules: empty YAML data")
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("LoadPlannerRules: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	var rules PlannerRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("LoadPlannerRules: parsing YAML: %w", err)
	}

	if rules.Durations.Default <= 0 {
		rules.Durations.Default = DefaultDurationSeconds
	}
	if rules.GenericFallback.Option == "" {
		rules.GenericFallback.Option = DefaultGenericFallbackOption
		rules.GenericFallback.Action = DefaultGenericFallbackAction
	}
	if rules.ToolParams == nil {
		rules.ToolParams = make(map[string]ToolParamRule)
	}

	if err := validatePlannerRules(&rules); err != nil {
		return nil, fmt.Errorf("LoadPlannerRules: validation: %w", err)
	}

	span.SetAttributes(
		attribute.Int("goal_rules", len(rules.GoalRules)),
		attribute.Int("secondary_rules", len(rules.SecondaryRules)),
		attribute.Int("parallel_safe", len(rules.ParallelSafe)),
		attribute.Int("fallbacks", len(rules.Fallbacks)),
	)

	slog.Debug("planner rules loaded",
		slog.Int("goal_rules", len(rules.GoalRules)),
		slog.Int("secondary_rules", len(rules.SecondaryRules)),
		slog.Int("tool_params", len(rules.ToolParams)),
	)

	return &rules, nil
}

func validatePlannerRules(r *PlannerRules) error {
	for i, gr := range r.GoalRules {
		if gr.Goal == "" {
			return fmt.Errorf("goal_rules[%d]: goal must not be empty", i)
		}
		if len(gr.Tools) == 0 {
			return fmt.Errorf("goal_rules[%d] (%s): tools must not be empty", i, gr.Goal)
		}
		for _, t := range gr.Tools {
			if t == "" {
				return fmt.Errorf("goal_rules[%d] (%s): empty tool name", i, gr.Goal)
			}
		}
	}

	for i, sr := range r.SecondaryRules {
		if len(sr.Keywords) == 0 {
			return fmt.Errorf("secondary_rules[%d] (%s): keywords must not be empty", i, sr.Name)
		}
		if len(sr.Tools) == 0 {
			return fmt.Errorf("secondary_rules[%d] (%s): tools must not be empty", i, sr.Name)
		}
	}

	if r.Preprocessing.Tool != "" && len(r.Preprocessing.Keywords) == 0 {
		return fmt.Errorf("preprocessing (%s): keywords must not be empty", r.Preprocessing.Tool)
	}

	for tool, d := range r.Durations.Tools {
		if d < 0 {
			return fmt.Errorf("durations.tools[%s]: must not be negative, got %v", tool, d)
		}
	}

	for tool, tp := range r.ToolParams {
		for from, to := range tp.Mappings {
			if from == "" || to == "" {
				return fmt.Errorf("tool_params[%s]: mappings must not contain empty names", tool)
			}
		}
	}

	for i, dr := range r.DataTypeRequirements {
		if dr.Goal == "" || dr.Expected == "" {
			return fmt.Errorf("data_type_requirements[%d]: goal and expected must be set", i)
		}
	}

	for i, fb := range r.Fallbacks {
		if fb.Option == "" {
			return fmt.Errorf("fallbacks[%d]: option must not be empty", i)
		}
		if fb.Goal == "" {
			return fmt.Errorf("fallbacks[%d] (%s): goal must not be empty", i, fb.Option)
		}
	}

	return nil
}
