// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// =============================================================================
// Request Data / Wire Payload
// =============================================================================

// RequestData is the per-request payload handed to every tool.
//
// Description:
//
//	Serialised as the body of the wire call: {input, params, context}. The
//	invocation layer overlays each ToolSpec's params on top of Params before
//	sending. Use Clone before modifying a value that may be shared.
type RequestData struct {
	Input   map[string]any `json:"input"`
	Params  map[string]any `json:"params"`
	Context map[string]any `json:"context"`
}

// Clone returns a copy whose top-level maps (and the Input map) may be
// modified without affecting the receiver. Nested values are shared.
func (d RequestData) Clone() RequestData {
	return RequestData{
		Input:   copyMap(d.Input),
		Params:  copyMap(d.Params),
		Context: copyMap(d.Context),
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ToolResponse is the body a tool service returns on success.
type ToolResponse struct {
	Status string         `json:"status"`
	Output map[string]any `json:"output"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// =============================================================================
// Invocation Results
// =============================================================================

// ToolStatus tags the outcome of a single tool invocation.
type ToolStatus string

const (
	ToolStatusSuccess     ToolStatus = "success"
	ToolStatusError       ToolStatus = "error"
	ToolStatusUnavailable ToolStatus = "unavailable"
)

// ToolInvocationResult is the outcome of invoking one tool.
//
// Output is populated only for success (the decoded response body); Error only
// for error and unavailable.
type ToolInvocationResult struct {
	ToolID     string         `json:"tool_id"`
	Status     ToolStatus     `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attempts   int            `json:"attempts"`
	DurationMs int64          `json:"duration_ms"`
}

// SuccessResult builds a success outcome.
func SuccessResult(toolID string, output map[string]any) ToolInvocationResult {
	return ToolInvocationResult{ToolID: toolID, Status: ToolStatusSuccess, Output: output}
}

// ErrorResult builds an error outcome.
func ErrorResult(toolID, message string) ToolInvocationResult {
	return ToolInvocationResult{ToolID: toolID, Status: ToolStatusError, Error: message}
}

// UnavailableResult builds an unavailable outcome.
func UnavailableResult(toolID, message string) ToolInvocationResult {
	return ToolInvocationResult{ToolID: toolID, Status: ToolStatusUnavailable, Error: message}
}

// OverallStatus is the aggregate status of one execution.
type OverallStatus string

const (
	StatusSuccess        OverallStatus = "success"
	StatusPartialSuccess OverallStatus = "partial_success"
	StatusFailed         OverallStatus = "failed"
	StatusNeedsFeedback  OverallStatus = "needs_feedback"
)

// Summary counts results by status.
type Summary struct {
	TotalTools  int `json:"total_tools"`
	Successful  int `json:"successful"`
	Failed      int `json:"failed"`
	Unavailable int `json:"unavailable"`
}

// InvocationOutput is the single aggregated outcome of executing a plan.
type InvocationOutput struct {
	Status               OverallStatus          `json:"status"`
	Results              []ToolInvocationResult `json:"results"`
	Summary              Summary                `json:"summary"`
	UserFeedbackRequired *FeedbackRequest       `json:"user_feedback_required,omitempty"`
}

// =============================================================================
// Feedback Requests
// =============================================================================

// Feedback payload statuses.
const (
	FeedbackStatusNeeded        = "needs_feedback"
	FeedbackStatusClarification = "clarification_required"
)

// FeedbackOption is one choice offered to the human caller.
//
// Conflict-derived options carry Actions; aggregate (post-execution) options
// carry a single Action.
type FeedbackOption struct {
	OptionID  string           `json:"option_id"`
	Message   string           `json:"message"`
	Actions   []string         `json:"actions,omitempty"`
	Action    string           `json:"action,omitempty"`
	Tools     []string         `json:"tools,omitempty"`
	Fallbacks []FallbackOption `json:"fallbacks,omitempty"`
}

// FeedbackRequest asks the caller to resolve something the system cannot
// resolve on its own.
type FeedbackRequest struct {
	Status           string           `json:"status,omitempty"`
	Message          string           `json:"message"`
	Options          []FeedbackOption `json:"options"`
	Conflicts        []Conflict       `json:"conflicts,omitempty"`
	UnavailableTools []string         `json:"unavailable_tools,omitempty"`
}
