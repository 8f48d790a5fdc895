// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request-scoped contracts shared by the planner,
// the invocation layer and the HTTP surface of the dispatch service.
//
// Every value in this package is created at the start of one analysis request
// and discarded when the request completes. Nothing here is persisted.
package datatypes

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Goal Metadata
// =============================================================================

// GoalClarificationRequired is the sentinel goal produced by the extraction
// collaborator when it could not determine what the caller wants.
const GoalClarificationRequired = "clarification_required"

// ConstraintForcedTools is the constraint key carrying a manual tool list.
const ConstraintForcedTools = "forced_tools"

// ConstraintMaxTime is the constraint key carrying a time budget in seconds.
const ConstraintMaxTime = "max_time"

// GoalMetadata is the structured description of what the caller wants.
//
// Description:
//
//	Produced by the (external) goal/entity extraction collaborator and consumed
//	by the planner. Goal is a loosely-typed tag, not a closed enum: a goal may
//	combine several intents ("anomaly_detection_with_report") and the planner
//	matches on substrings rather than exact values.
//
// Thread Safety: Immutable once produced; safe to share read-only.
type GoalMetadata struct {
	// Goal is the analytical intent, or GoalClarificationRequired.
	Goal string `json:"goal"`

	// Constraints maps constraint name to value. May carry forced_tools.
	Constraints map[string]any `json:"constraints,omitempty"`

	// DataType is the coarse input classification (tabular, timeseries, ...).
	DataType string `json:"data_type,omitempty"`

	// Parameters holds tool-relevant values extracted from the request.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Confidence is the extraction confidence in [0,1].
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`

	// RequiresClarification short-circuits planning when true.
	RequiresClarification bool `json:"requires_clarification,omitempty"`

	// SuggestedAlternatives are goals the extractor considered plausible.
	SuggestedAlternatives []string `json:"suggested_alternatives,omitempty"`

	// DataCharacteristics describes the observed input data, if known.
	DataCharacteristics *DataCharacteristics `json:"data_characteristics,omitempty"`
}

// DataCharacteristics describes the observed shape of the input data.
type DataCharacteristics struct {
	RowCount int      `json:"row_count,omitempty"`
	Columns  []string `json:"columns,omitempty"`
}

// NeedsClarification reports whether planning must be skipped.
func (m GoalMetadata) NeedsClarification() bool {
	return m.RequiresClarification || m.Goal == GoalClarificationRequired
}

// ForcedTools returns the manual tool override from the constraints.
//
// Description:
//
//	Accepts either a []string or a decoded JSON array ([]any of strings).
//	Non-string entries are skipped. The boolean is true when the constraint
//	key is present, even if the list is empty.
func (m GoalMetadata) ForcedTools() ([]string, bool) {
	raw, ok := m.Constraints[ConstraintForcedTools]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	case string:
		if v == "" {
			return []string{}, true
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	default:
		return []string{}, true
	}
}

// MaxTime returns the max_time constraint as a duration, if present and numeric.
func (m GoalMetadata) MaxTime() (time.Duration, bool) {
	raw, ok := m.Constraints[ConstraintMaxTime]
	if !ok {
		return 0, false
	}
	secs, ok := AsFloat(raw)
	if !ok || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// =============================================================================
// Execution Plan
// =============================================================================

// Strategy governs how the tools of a plan are invoked.
type Strategy string

const (
	StrategySingle      Strategy = "single"
	StrategySequential  Strategy = "sequential"
	StrategyParallel    Strategy = "parallel"
	StrategyConditional Strategy = "conditional"
)

// ToolSpec is one unit of an execution plan.
//
// Description:
//
//	Order is 1-based and strictly increasing within a plan. DependsOn is
//	non-empty only under the sequential strategy, where the i-th tool (i>0)
//	depends on exactly the previous order index. An empty Endpoint marks the
//	tool as unavailable: the invocation layer reports it without a network call.
type ToolSpec struct {
	ToolID         string         `json:"tool_id"`
	Endpoint       string         `json:"tool_endpoint,omitempty"`
	Version        string         `json:"version,omitempty"`
	Order          int            `json:"order"`
	Params         map[string]any `json:"params"`
	DependsOn      []int          `json:"depends_on"`
	TimeoutSeconds int            `json:"timeout"`
	RetryCount     int            `json:"retry_count"`
}

// IsAvailable reports whether the tool has a resolved endpoint.
func (s ToolSpec) IsAvailable() bool {
	return strings.TrimSpace(s.Endpoint) != ""
}

// Timeout returns the per-attempt network timeout.
func (s ToolSpec) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// TimeoutSeconds converts d to the whole seconds carried on the wire,
// rounding up so a positive duration never becomes zero.
func TimeoutSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// ExecutionPlan is the ordered set of tools plus the strategy to run them with.
type ExecutionPlan struct {
	Strategy Strategy   `json:"strategy"`
	Tools    []ToolSpec `json:"tools"`

	// EstimatedDuration is in seconds: sum for sequential, max for parallel.
	EstimatedDuration float64 `json:"estimated_duration"`
}

// ToolIDs returns the tool identifiers in plan order.
func (p ExecutionPlan) ToolIDs() []string {
	ids := make([]string, len(p.Tools))
	for i, t := range p.Tools {
		ids[i] = t.ToolID
	}
	return ids
}

// =============================================================================
// Conflicts
// =============================================================================

// ConflictType tags the variant of a Conflict.
type ConflictType string

const (
	ConflictToolUnavailable     ConflictType = "tool_unavailable"
	ConflictMissingParameter    ConflictType = "missing_parameter"
	ConflictDataTypeMismatch    ConflictType = "data_type_mismatch"
	ConflictConstraintViolation ConflictType = "constraint_violation"
)

// Severity ranks a conflict.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Conflict is a detected obstacle to executing a plan as selected.
//
// Only the fields relevant to Type are populated; use the New*Conflict
// constructors rather than building values by hand.
type Conflict struct {
	Type       ConflictType `json:"type"`
	Severity   Severity     `json:"severity"`
	Message    string       `json:"message"`
	Tool       string       `json:"tool,omitempty"`
	Parameter  string       `json:"parameter,omitempty"`
	Expected   string       `json:"expected,omitempty"`
	Actual     string       `json:"actual,omitempty"`
	Constraint string       `json:"constraint,omitempty"`
}

// NewToolUnavailableConflict reports a tool absent from the registry.
func NewToolUnavailableConflict(tool string) Conflict {
	return Conflict{
		Type:     ConflictToolUnavailable,
		Severity: SeverityHigh,
		Tool:     tool,
		Message:  fmt.Sprintf("Tool %s not available in registry", tool),
	}
}

// NewMissingParameterConflict reports a parameter with no safe default.
func NewMissingParameterConflict(tool, parameter string) Conflict {
	return Conflict{
		Type:      ConflictMissingParameter,
		Severity:  SeverityMedium,
		Tool:      tool,
		Parameter: parameter,
		Message:   fmt.Sprintf("Missing required parameter %q for tool %s", parameter, tool),
	}
}

// NewDataTypeMismatchConflict reports input data of the wrong kind for the goal.
func NewDataTypeMismatchConflict(expected, actual, message string) Conflict {
	return Conflict{
		Type:     ConflictDataTypeMismatch,
		Severity: SeverityMedium,
		Expected: expected,
		Actual:   actual,
		Message:  message,
	}
}

// NewConstraintViolationConflict reports a plan that breaks a caller constraint.
func NewConstraintViolationConflict(constraint, message string) Conflict {
	return Conflict{
		Type:       ConflictConstraintViolation,
		Severity:   SeverityLow,
		Constraint: constraint,
		Message:    message,
	}
}

// =============================================================================
// Planner Output
// =============================================================================

// FallbackOption is an alternative plan or action offered when the primary
// plan cannot proceed.
type FallbackOption struct {
	Option         string         `json:"option"`
	Tools          []string       `json:"tools"`
	Action         string         `json:"action,omitempty"`
	ParamsOverride map[string]any `json:"params_override,omitempty"`
}

// PlanMetadata summarises the inputs a plan was built from.
type PlanMetadata struct {
	Goal       string  `json:"goal"`
	DataType   string  `json:"data_type"`
	ToolCount  int     `json:"tool_count"`
	Policy     string  `json:"policy"`
	Confidence float64 `json:"confidence"`
}

// PlannerOutput is everything the planner produces for one request.
type PlannerOutput struct {
	ExecutionPlan        ExecutionPlan    `json:"execution_plan"`
	Conflicts            []Conflict       `json:"conflicts"`
	RequiresUserFeedback bool             `json:"requires_user_feedback"`
	Reasoning            string           `json:"reasoning"`
	FallbackOptions      []FallbackOption `json:"fallback_options"`
	Metadata             PlanMetadata     `json:"metadata"`

	// Feedback is set when planning short-circuited on a clarification request.
	Feedback *FeedbackRequest `json:"feedback,omitempty"`
}

// HasHighSeverityConflict reports whether any conflict is high severity.
func (o PlannerOutput) HasHighSeverityConflict() bool {
	for _, c := range o.Conflicts {
		if c.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// =============================================================================
// Helpers
// =============================================================================

// AsFloat converts a decoded JSON or YAML number to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
