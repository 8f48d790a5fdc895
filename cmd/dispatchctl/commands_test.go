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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/invocation"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/registry"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/signing"
)

// =============================================================================
// Test Helpers
// =============================================================================

type mockBackend struct {
	planFunc    func(ctx context.Context, goal datatypes.GoalMetadata) (datatypes.PlannerOutput, error)
	analyzeFunc func(ctx context.Context, req dispatch.AnalyzeRequest) (*dispatch.AnalyzeResponse, error)
	toolsFunc   func(ctx context.Context) ([]registry.ToolDescriptor, error)
}

func (m *mockBackend) Plan(ctx context.Context, goal datatypes.GoalMetadata) (datatypes.PlannerOutput, error) {
	return m.planFunc(ctx, goal)
}

func (m *mockBackend) Analyze(ctx context.Context, req dispatch.AnalyzeRequest) (*dispatch.AnalyzeResponse, error) {
	return m.analyzeFunc(ctx, req)
}

func (m *mockBackend) Tools(ctx context.Context) ([]registry.ToolDescriptor, error) {
	return m.toolsFunc(ctx)
}

func runCLI(t *testing.T, g *globalOptions, ask prompter, stdin string, args ...string) (string, error) {
	t.Helper()
	if g == nil {
		g = &globalOptions{}
	}
	cmd := newRootCommandWith(g, ask)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// =============================================================================
// Root
// =============================================================================

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmd := newRootCommand()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"plan", "analyze", "tools", "sign"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestRootCommand_RejectsUnknownOutput(t *testing.T) {
	_, err := runCLI(t, nil, nil, "", "tools", "--local", "-o", "yaml")
	assert.ErrorContains(t, err, "--output")
}

// =============================================================================
// plan
// =============================================================================

func TestPlanCommand_Remote(t *testing.T) {
	var got dispatch.PlanRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/dispatch/plan", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(datatypes.PlannerOutput{
			ExecutionPlan: datatypes.ExecutionPlan{
				Strategy: datatypes.StrategySingle,
				Tools:    []datatypes.ToolSpec{{ToolID: "anomaly_zscore", Endpoint: "http://tools/a", Order: 0}},
			},
			Reasoning: "Selected anomaly_zscore",
		})
	}))
	defer srv.Close()

	out, err := runCLI(t, nil, nil, "",
		"plan", "--server", srv.URL, "--token", "tok",
		"--goal", "anomaly_detection", "--param", "threshold=2.5", "--param", "label=high",
		"--constraint", `forced_tools=["anomaly_zscore"]`)
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "anomaly_detection", got.Goal.Goal)
	assert.Equal(t, 2.5, got.Goal.Parameters["threshold"])
	assert.Equal(t, "high", got.Goal.Parameters["label"])
	assert.Equal(t, []any{"anomaly_zscore"}, got.Goal.Constraints["forced_tools"])

	assert.Contains(t, out, "strategy: single")
	assert.Contains(t, out, "anomaly_zscore")
	assert.NotContains(t, out, "\x1b[", "no ANSI styling off a terminal")
}

func TestPlanCommand_LocalJSON(t *testing.T) {
	out, err := runCLI(t, nil, nil, "", "plan", "--local", "-o", "json", "--goal", "clustering")
	require.NoError(t, err)

	var plan datatypes.PlannerOutput
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, []string{"clustering"}, plan.ExecutionPlan.ToolIDs())
}

func TestPlanCommand_RequiresGoal(t *testing.T) {
	_, err := runCLI(t, nil, nil, "", "plan", "--local")
	assert.ErrorContains(t, err, "goal is required")
}

func TestPlanCommand_GoalFileFromStdin(t *testing.T) {
	var got datatypes.GoalMetadata
	g := &globalOptions{newBackend: func(context.Context, bool) (backend, error) {
		return &mockBackend{planFunc: func(_ context.Context, goal datatypes.GoalMetadata) (datatypes.PlannerOutput, error) {
			got = goal
			return datatypes.PlannerOutput{}, nil
		}}, nil
	}}

	_, err := runCLI(t, g, nil, `{"goal":"stats_comparison","data_type":"tabular","confidence":0.7}`,
		"plan", "--goal-file", "-", "--data-type", "timeseries")
	require.NoError(t, err)
	assert.Equal(t, "stats_comparison", got.Goal)
	assert.Equal(t, "timeseries", got.DataType, "flags override the file")
	assert.Equal(t, 0.7, got.Confidence)
}

// =============================================================================
// tools
// =============================================================================

func TestToolsCommand_Local(t *testing.T) {
	out, err := runCLI(t, nil, nil, "", "tools", "--local")
	require.NoError(t, err)
	assert.Contains(t, out, "anomaly_zscore")
	assert.Contains(t, out, "incident_detector")
}

func TestRemoteBackend_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(dispatch.ErrorResponse{Error: "missing bearer token", Code: "UNAUTHORIZED"})
	}))
	defer srv.Close()

	_, err := newRemoteBackend(srv.URL, "", 0).Tools(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing bearer token (UNAUTHORIZED)")
}

// =============================================================================
// analyze
// =============================================================================

func needsFeedbackResponse() *dispatch.AnalyzeResponse {
	fallback := datatypes.FallbackOption{
		Option:         "Use simpler k-means with default params",
		Tools:          []string{"clustering"},
		ParamsOverride: map[string]any{"n_clusters": 3.0},
	}
	plan := datatypes.PlannerOutput{
		RequiresUserFeedback: true,
		Conflicts:            []datatypes.Conflict{datatypes.NewToolUnavailableConflict("anomaly_report_generator")},
		FallbackOptions:      []datatypes.FallbackOption{fallback},
	}
	return &dispatch.AnalyzeResponse{
		RequestID: "r1",
		Plan:      plan,
		Result: datatypes.InvocationOutput{
			Status:               datatypes.StatusNeedsFeedback,
			Results:              []datatypes.ToolInvocationResult{},
			UserFeedbackRequired: invocation.BuildConflictFeedback(plan),
		},
	}
}

func TestAnalyzeCommand_InteractiveAppliesFallback(t *testing.T) {
	var requests []dispatch.AnalyzeRequest
	g := &globalOptions{newBackend: func(_ context.Context, needSigner bool) (backend, error) {
		assert.True(t, needSigner)
		return &mockBackend{analyzeFunc: func(_ context.Context, req dispatch.AnalyzeRequest) (*dispatch.AnalyzeResponse, error) {
			requests = append(requests, req)
			if len(requests) == 1 {
				return needsFeedbackResponse(), nil
			}
			return &dispatch.AnalyzeResponse{
				RequestID: "r2",
				Result: invocation.Aggregate([]datatypes.ToolInvocationResult{
					datatypes.SuccessResult("clustering", map[string]any{}),
				}),
			}, nil
		}}, nil
	}}

	ask := func(fb *datatypes.FeedbackRequest, fallbacks []datatypes.FallbackOption) (choice, error) {
		require.Len(t, fallbacks, 1)
		return choice{OptionID: "fallback_0", Action: "use_fallback", Fallback: &fallbacks[0]}, nil
	}

	out, err := runCLI(t, g, ask, `[{"segment_id":"s1"}]`,
		"analyze", "-i", "--tenant", "acme", "--goal", "clustering_with_report",
		"--rows-file", "-", "--param-data", "metric=speed_kmh")
	require.NoError(t, err)

	require.Len(t, requests, 2)
	first := requests[0]
	assert.Equal(t, dispatch.FormatInline, first.DataPointer.Format)
	assert.Len(t, first.DataPointer.Rows, 1)
	assert.Equal(t, "speed_kmh", first.Params["metric"])
	assert.NotContains(t, first.Goal.Constraints, datatypes.ConstraintForcedTools)

	second := requests[1]
	assert.Equal(t, []string{"clustering"}, second.Goal.Constraints[datatypes.ConstraintForcedTools])
	assert.Equal(t, 3.0, second.Goal.Parameters["n_clusters"])
	assert.Contains(t, out, "success")
}

func TestAnalyzeCommand_NonInteractiveStopsAtFeedback(t *testing.T) {
	calls := 0
	g := &globalOptions{newBackend: func(context.Context, bool) (backend, error) {
		return &mockBackend{analyzeFunc: func(context.Context, dispatch.AnalyzeRequest) (*dispatch.AnalyzeResponse, error) {
			calls++
			return needsFeedbackResponse(), nil
		}}, nil
	}}

	out, err := runCLI(t, g, nil, "", "analyze", "--tenant", "acme", "--goal", "x", "--format", "parquet", "--uri", "s3://b/k")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, out, "needs_feedback")
	assert.Contains(t, out, "create_tool")
}

func TestAnalyzeCommand_CancelStops(t *testing.T) {
	calls := 0
	g := &globalOptions{newBackend: func(context.Context, bool) (backend, error) {
		return &mockBackend{analyzeFunc: func(context.Context, dispatch.AnalyzeRequest) (*dispatch.AnalyzeResponse, error) {
			calls++
			return needsFeedbackResponse(), nil
		}}, nil
	}}
	ask := func(*datatypes.FeedbackRequest, []datatypes.FallbackOption) (choice, error) {
		return choice{OptionID: "create_tool", Action: "cancel"}, nil
	}

	out, err := runCLI(t, g, ask, "", "analyze", "-i", "--tenant", "acme", "--goal", "x", "--format", "csv")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, out, "Stopped at create_tool (cancel)")
}

func TestAnalyzeCommand_FeedbackRoundsBounded(t *testing.T) {
	calls := 0
	g := &globalOptions{newBackend: func(context.Context, bool) (backend, error) {
		return &mockBackend{analyzeFunc: func(context.Context, dispatch.AnalyzeRequest) (*dispatch.AnalyzeResponse, error) {
			calls++
			return needsFeedbackResponse(), nil
		}}, nil
	}}
	ask := func(_ *datatypes.FeedbackRequest, fallbacks []datatypes.FallbackOption) (choice, error) {
		return choice{Action: "use_fallback", Fallback: &fallbacks[0]}, nil
	}

	_, err := runCLI(t, g, ask, "", "analyze", "-i", "--tenant", "acme", "--goal", "x", "--format", "csv")
	assert.ErrorContains(t, err, "feedback still required")
	assert.Equal(t, maxFeedbackRounds, calls)
}

func TestAnalyzeCommand_Validation(t *testing.T) {
	g := &globalOptions{newBackend: func(context.Context, bool) (backend, error) {
		t.Fatal("backend must not be built for invalid flags")
		return nil, nil
	}}

	_, err := runCLI(t, g, nil, "", "analyze", "--goal", "x", "--format", "csv", "--tenant", "")
	assert.ErrorContains(t, err, "--tenant")

	_, err = runCLI(t, g, nil, "", "analyze", "--goal", "x", "--tenant", "acme")
	assert.ErrorContains(t, err, "--format")

	_, err = runCLI(t, g, nil, "", "analyze", "--goal", "x", "--tenant", "acme", "--format", "csv", "--context", "novalue")
	assert.ErrorContains(t, err, "key=value")
}

// =============================================================================
// sign
// =============================================================================

func TestSignCommand(t *testing.T) {
	t.Setenv("DISPATCHCTL_TEST_SECRET", "cli-secret")
	body := `{"input":{},"params":{},"context":{}}`

	out, err := runCLI(t, nil, nil, body, "sign", "--secret-env", "DISPATCHCTL_TEST_SECRET")
	require.NoError(t, err)

	signer, err := signing.NewSigner([]byte("cli-secret"))
	require.NoError(t, err)
	want, err := signer.Sign([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, signing.HeaderName+": "+want+"\n", out)

	out, err = runCLI(t, nil, nil, body, "sign", "--secret-env", "DISPATCHCTL_TEST_SECRET", "--verify", want)
	require.NoError(t, err)
	assert.Equal(t, "valid\n", out)

	_, err = runCLI(t, nil, nil, body+" ", "sign", "--secret-env", "DISPATCHCTL_TEST_SECRET", "--verify", want)
	assert.ErrorContains(t, err, "does not match")
}

func TestSignCommand_MissingSecret(t *testing.T) {
	_, err := runCLI(t, nil, nil, "x", "sign", "--secret-env", "DISPATCHCTL_TEST_SECRET_UNSET")
	assert.ErrorIs(t, err, signing.ErrSecretNotFound)
}

// =============================================================================
// parseKV
// =============================================================================

func TestParseKV(t *testing.T) {
	got, err := parseKV([]string{"n=3", "name=kmeans", `list=["a","b"]`, "flag=true", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"n":     3.0,
		"name":  "kmeans",
		"list":  []any{"a", "b"},
		"flag":  true,
		"empty": "",
	}, got)

	_, err = parseKV([]string{"=x"})
	assert.Error(t, err)
}
