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
	"fmt"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"
)

// =============================================================================
// Feedback Payloads
// =============================================================================

// BuildConflictFeedback builds the payload returned instead of executing a
// plan that requires user feedback.
//
// Description:
//
//	A planner-supplied feedback request (goal clarification) is returned as
//	is. Otherwise one option is produced per conflict, followed by one
//	fallback_<i> option per fallback.
//
// Outputs:
//
//	*datatypes.FeedbackRequest - Never nil.
func BuildConflictFeedback(out datatypes.PlannerOutput) *datatypes.FeedbackRequest {
	if out.Feedback != nil {
		return out.Feedback
	}

	options := make([]datatypes.FeedbackOption, 0, len(out.Conflicts)+len(out.FallbackOptions))
	for _, c := range out.Conflicts {
		if opt, ok := conflictOption(c); ok {
			options = append(options, opt)
		}
	}
	for i, fb := range out.FallbackOptions {
		options = append(options, datatypes.FeedbackOption{
			OptionID: fmt.Sprintf("fallback_%d", i),
			Message:  fb.Option,
			Actions:  []string{"use_fallback"},
		})
	}

	conflicts := out.Conflicts
	if conflicts == nil {
		conflicts = []datatypes.Conflict{}
	}
	return &datatypes.FeedbackRequest{
		Status:    datatypes.FeedbackStatusNeeded,
		Message:   "User input required to proceed",
		Options:   options,
		Conflicts: conflicts,
	}
}

func conflictOption(c datatypes.Conflict) (datatypes.FeedbackOption, bool) {
	switch c.Type {
	case datatypes.ConflictToolUnavailable:
		return datatypes.FeedbackOption{
			OptionID: "create_tool",
			Message:  fmt.Sprintf("Tool '%s' is unavailable. Would you like to create it?", c.Tool),
			Actions:  []string{"create_new_tool", "use_alternative", "cancel"},
		}, true
	case datatypes.ConflictMissingParameter:
		return datatypes.FeedbackOption{
			OptionID: "provide_param",
			Message:  fmt.Sprintf("Missing required parameter: %s", c.Parameter),
			Actions:  []string{"provide_value", "use_default"},
		}, true
	case datatypes.ConflictDataTypeMismatch:
		return datatypes.FeedbackOption{
			OptionID: "resolve_data_type",
			Message:  c.Message,
			Actions:  []string{"provide_" + c.Expected, "use_alternative", "cancel"},
		}, true
	case datatypes.ConflictConstraintViolation:
		return datatypes.FeedbackOption{
			OptionID: "relax_constraint",
			Message:  c.Message,
			Actions:  []string{"relax", "cancel"},
		}, true
	default:
		return datatypes.FeedbackOption{}, false
	}
}

// BuildUnavailableFeedback builds the payload attached to a needs_feedback
// aggregate: the unavailable tool ids plus create, alternative and cancel options.
func BuildUnavailableFeedback(results []datatypes.ToolInvocationResult, fallbacks []datatypes.FallbackOption) *datatypes.FeedbackRequest {
	unavailable := make([]string, 0, len(results))
	for _, r := range results {
		if r.Status == datatypes.ToolStatusUnavailable {
			unavailable = append(unavailable, r.ToolID)
		}
	}
	if fallbacks == nil {
		fallbacks = []datatypes.FallbackOption{}
	}

	return &datatypes.FeedbackRequest{
		Status:           datatypes.FeedbackStatusNeeded,
		Message:          fmt.Sprintf("%d tool(s) unavailable", len(unavailable)),
		UnavailableTools: unavailable,
		Options: []datatypes.FeedbackOption{
			{
				OptionID: "create_tools",
				Message:  "Create missing tools",
				Action:   "create_new_tools",
				Tools:    unavailable,
			},
			{
				OptionID:  "use_alternatives",
				Message:   "Use alternative tools",
				Action:    "select_alternatives",
				Fallbacks: fallbacks,
			},
			{
				OptionID: "cancel",
				Message:  "Cancel execution",
				Action:   "cancel",
			},
		},
	}
}

// Aggregate folds per-tool results into the overall outcome.
//
// Description:
//
//	All success (including zero results) is success; at least one success
//	is partial_success; otherwise any unavailable tool means needs_feedback,
//	and everything else is failed. The feedback payload is not attached here.
func Aggregate(results []datatypes.ToolInvocationResult) datatypes.InvocationOutput {
	if results == nil {
		results = []datatypes.ToolInvocationResult{}
	}

	var summary datatypes.Summary
	summary.TotalTools = len(results)
	for _, r := range results {
		switch r.Status {
		case datatypes.ToolStatusSuccess:
			summary.Successful++
		case datatypes.ToolStatusUnavailable:
			summary.Unavailable++
		default:
			summary.Failed++
		}
	}

	var status datatypes.OverallStatus
	switch {
	case summary.Successful == summary.TotalTools:
		status = datatypes.StatusSuccess
	case summary.Successful > 0:
		status = datatypes.StatusPartialSuccess
	case summary.Unavailable > 0:
		status = datatypes.StatusNeedsFeedback
	default:
		status = datatypes.StatusFailed
	}

	return datatypes.InvocationOutput{
		Status:  status,
		Results: results,
		Summary: summary,
	}
}
