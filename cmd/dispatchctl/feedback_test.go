// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"
)

func baseRequest() dispatch.AnalyzeRequest {
	return dispatch.AnalyzeRequest{
		TenantID: "acme",
		Goal: datatypes.GoalMetadata{
			Goal:        "timeseries_forecasting",
			DataType:    "tabular",
			Parameters:  map[string]any{"horizon": 5.0},
			Constraints: map[string]any{datatypes.ConstraintMaxTime: 1.0},
		},
	}
}

func TestApplyChoice(t *testing.T) {
	fb := &datatypes.FeedbackRequest{
		Conflicts: []datatypes.Conflict{
			datatypes.NewMissingParameterConflict("clustering", "n_clusters"),
		},
	}
	fallback := &datatypes.FallbackOption{Option: "k-means", Tools: []string{"clustering"}, ParamsOverride: map[string]any{"algorithm": "kmeans"}}

	tests := []struct {
		name   string
		choice choice
		wantOK bool
		check  func(t *testing.T, req dispatch.AnalyzeRequest)
	}{
		{
			name:   "fallback forces tools and overrides params",
			choice: choice{Action: "use_fallback", Fallback: fallback},
			wantOK: true,
			check: func(t *testing.T, req dispatch.AnalyzeRequest) {
				tools, ok := req.Goal.ForcedTools()
				assert.True(t, ok)
				assert.Equal(t, []string{"clustering"}, tools)
				assert.Equal(t, "kmeans", req.Goal.Parameters["algorithm"])
				assert.Equal(t, 5.0, req.Goal.Parameters["horizon"])
			},
		},
		{
			name:   "alternative without tools stops",
			choice: choice{Action: "select_alternatives", Fallback: &datatypes.FallbackOption{Action: "export_data"}},
		},
		{
			name:   "provide value fills the missing parameter",
			choice: choice{Action: "provide_value", Value: "4"},
			wantOK: true,
			check: func(t *testing.T, req dispatch.AnalyzeRequest) {
				assert.Equal(t, "4", req.Goal.Parameters["n_clusters"])
			},
		},
		{
			name:   "provide value without input stops",
			choice: choice{Action: "provide_value"},
		},
		{
			name:   "relax drops max_time",
			choice: choice{Action: "relax"},
			wantOK: true,
			check: func(t *testing.T, req dispatch.AnalyzeRequest) {
				assert.NotContains(t, req.Goal.Constraints, datatypes.ConstraintMaxTime)
			},
		},
		{
			name:   "provide data type",
			choice: choice{Action: "provide_timeseries"},
			wantOK: true,
			check: func(t *testing.T, req dispatch.AnalyzeRequest) {
				assert.Equal(t, "timeseries", req.Goal.DataType)
			},
		},
		{name: "cancel", choice: choice{Action: "cancel"}},
		{name: "create tool", choice: choice{Action: "create_new_tool"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := baseRequest()
			got, ok := applyChoice(orig, fb, tt.choice)
			assert.Equal(t, tt.wantOK, ok)
			if tt.check != nil {
				tt.check(t, got)
			}
			assert.Equal(t, baseRequest(), orig, "input request is not modified")
		})
	}
}

func TestAlternativesFor(t *testing.T) {
	plan := []datatypes.FallbackOption{{Option: "a"}, {Option: "b"}}

	assert.Equal(t, plan[1:2], alternativesFor(datatypes.FeedbackOption{OptionID: "fallback_1"}, plan))
	assert.Equal(t, plan, alternativesFor(datatypes.FeedbackOption{OptionID: "create_tool"}, plan))

	own := []datatypes.FallbackOption{{Option: "own"}}
	assert.Equal(t, own, alternativesFor(datatypes.FeedbackOption{OptionID: "use_alternatives", Fallbacks: own}, plan))
}

func TestPendingParameter(t *testing.T) {
	fb := &datatypes.FeedbackRequest{Conflicts: []datatypes.Conflict{
		datatypes.NewToolUnavailableConflict("x"),
		datatypes.NewMissingParameterConflict("t", "a"),
		datatypes.NewMissingParameterConflict("t", "b"),
	}}
	assert.Equal(t, "a", pendingParameter(fb, nil))
	assert.Equal(t, "b", pendingParameter(fb, map[string]any{"a": 1}))
	assert.Empty(t, pendingParameter(nil, nil))
}
