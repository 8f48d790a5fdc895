// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch/config"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/invocation"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/registry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestRouter(t *testing.T, svc *Service, auth gin.HandlerFunc) *gin.Engine {
	t.Helper()
	router := gin.New()
	router.Use(RequestIDMiddleware())
	RegisterRoutes(router.Group("/v1"), NewHandlers(svc), auth)
	return router
}

func mockService(t *testing.T, p Planner, e Executor, tools ...registry.ToolDescriptor) *Service {
	t.Helper()
	if p == nil {
		p = &mockPlanner{}
	}
	if e == nil {
		e = &mockExecutor{}
	}
	svc, err := NewService(p, e, &mockCatalog{tools: tools}, nil)
	require.NoError(t, err)
	return svc
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// =============================================================================
// Analyze
// =============================================================================

func TestHandleAnalyze_Success(t *testing.T) {
	var gotData datatypes.RequestData
	exec := &mockExecutor{executeFunc: func(_ context.Context, _ datatypes.PlannerOutput, data datatypes.RequestData) datatypes.InvocationOutput {
		gotData = data
		return invocation.Aggregate([]datatypes.ToolInvocationResult{
			datatypes.SuccessResult("anomaly_zscore", map[string]any{"anomalies": []any{}}),
		})
	}}
	router := setupTestRouter(t, mockService(t, nil, exec), nil)

	w := doJSON(t, router, http.MethodPost, "/v1/dispatch/analyze", anomalyRequest(),
		map[string]string{RequestIDHeader: "req-abc"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp AnalyzeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "req-abc", resp.RequestID)
	assert.Equal(t, datatypes.StatusSuccess, resp.Result.Status)
	assert.Equal(t, "req-abc", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "req-abc", gotData.Context["request_id"])
	assert.Equal(t, "tenant-a", gotData.Context["tenant_id"])
}

func TestHandleAnalyze_Errors(t *testing.T) {
	router := setupTestRouter(t, mockService(t, nil, nil), nil)

	tests := []struct {
		name string
		body any
		code string
	}{
		{name: "malformed json", body: `{"tenant_id":`, code: "INVALID_REQUEST"},
		{name: "missing tenant", body: AnalyzeRequest{
			Goal:        datatypes.GoalMetadata{Goal: "clustering"},
			DataPointer: DataPointer{Format: FormatInline},
		}, code: "VALIDATION_FAILED"},
		{name: "bad mode", body: func() AnalyzeRequest {
			r := anomalyRequest()
			r.Mode = "batch"
			return r
		}(), code: "VALIDATION_FAILED"},
		{name: "async mode", body: func() AnalyzeRequest {
			r := anomalyRequest()
			r.Mode = ModeAsync
			return r
		}(), code: "UNSUPPORTED_MODE"},
		{name: "missing goal", body: func() AnalyzeRequest {
			r := anomalyRequest()
			r.Goal.Goal = ""
			return r
		}(), code: "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/v1/dispatch/analyze", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestHandleAnalyze_TenantMismatch(t *testing.T) {
	secret := []byte("jwt-secret")
	router := setupTestRouter(t, mockService(t, nil, nil), JWTAuthMiddleware(secret))

	token := signToken(t, secret, jwtClaims("tenant-b"))
	w := doJSON(t, router, http.MethodPost, "/v1/dispatch/analyze", anomalyRequest(),
		map[string]string{"Authorization": "Bearer " + token})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "TENANT_MISMATCH", decodeError(t, w).Code)
}

func TestHandleAnalyze_TenantMatch(t *testing.T) {
	secret := []byte("jwt-secret")
	router := setupTestRouter(t, mockService(t, nil, nil), JWTAuthMiddleware(secret))

	token := signToken(t, secret, jwtClaims("tenant-a"))
	w := doJSON(t, router, http.MethodPost, "/v1/dispatch/analyze", anomalyRequest(),
		map[string]string{"Authorization": "Bearer " + token})

	assert.Equal(t, http.StatusOK, w.Code)
}

// =============================================================================
// Plan / Execute
// =============================================================================

func TestHandlePlan(t *testing.T) {
	var gotGoal string
	p := &mockPlanner{createPlanFunc: func(_ context.Context, meta datatypes.GoalMetadata) datatypes.PlannerOutput {
		gotGoal = meta.Goal
		return datatypes.PlannerOutput{
			ExecutionPlan: datatypes.ExecutionPlan{
				Strategy: datatypes.StrategySingle,
				Tools:    []datatypes.ToolSpec{{ToolID: "clustering", Endpoint: "http://tools/clustering"}},
			},
		}
	}}
	router := setupTestRouter(t, mockService(t, p, nil), nil)

	w := doJSON(t, router, http.MethodPost, "/v1/dispatch/plan",
		PlanRequest{Goal: datatypes.GoalMetadata{Goal: "clustering"}}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out datatypes.PlannerOutput
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "clustering", gotGoal)
	assert.Equal(t, []string{"clustering"}, out.ExecutionPlan.ToolIDs())
}

func TestHandleExecute(t *testing.T) {
	var gotPlan datatypes.PlannerOutput
	exec := &mockExecutor{executeFunc: func(_ context.Context, out datatypes.PlannerOutput, _ datatypes.RequestData) datatypes.InvocationOutput {
		gotPlan = out
		return invocation.Aggregate([]datatypes.ToolInvocationResult{
			datatypes.SuccessResult("clustering", map[string]any{}),
			datatypes.ErrorResult("stats_comparator", "Tool stats_comparator returned error: 500"),
		})
	}}
	router := setupTestRouter(t, mockService(t, nil, exec), nil)

	body := ExecuteRequest{
		Plan: datatypes.PlannerOutput{ExecutionPlan: datatypes.ExecutionPlan{Strategy: datatypes.StrategyParallel}},
		Data: datatypes.RequestData{Input: map[string]any{"frame_uri": "inline://"}},
	}
	w := doJSON(t, router, http.MethodPost, "/v1/dispatch/execute", body, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out datatypes.InvocationOutput
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, datatypes.StrategyParallel, gotPlan.ExecutionPlan.Strategy)
	assert.Equal(t, datatypes.StatusPartialSuccess, out.Status)
	assert.Equal(t, 2, out.Summary.TotalTools)
}

func TestHandleExecute_EndpointsComeFromRegistry(t *testing.T) {
	registered, registeredHits, _ := captureServer(t, `{"status":"success","output":{}}`)
	elsewhere, elsewhereHits, _ := captureServer(t, `{"status":"success","output":{}}`)
	svc := liveService(t, config.PolicyUserFeedback, map[string]string{"clustering": registered.URL})
	router := setupTestRouter(t, svc, nil)

	tests := []struct {
		name       string
		tool       datatypes.ToolSpec
		wantStatus datatypes.OverallStatus
		wantHits   int64
	}{
		{
			name:       "unregistered tool is unavailable",
			tool:       datatypes.ToolSpec{ToolID: "not_in_registry", Endpoint: elsewhere.URL, Order: 1, RetryCount: 100},
			wantStatus: datatypes.StatusNeedsFeedback,
		},
		{
			name:       "registered tool ignores submitted endpoint",
			tool:       datatypes.ToolSpec{ToolID: "clustering", Endpoint: elsewhere.URL, Order: 1},
			wantStatus: datatypes.StatusSuccess,
			wantHits:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registeredHits.Store(0)
			body := ExecuteRequest{
				Plan: datatypes.PlannerOutput{ExecutionPlan: datatypes.ExecutionPlan{
					Strategy: datatypes.StrategySingle,
					Tools:    []datatypes.ToolSpec{tt.tool},
				}},
				Data: datatypes.RequestData{Input: map[string]any{"anything": "chosen by caller"}},
			}
			w := doJSON(t, router, http.MethodPost, "/v1/dispatch/execute", body, nil)
			require.Equal(t, http.StatusOK, w.Code)

			var out datatypes.InvocationOutput
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, tt.wantHits, registeredHits.Load())
			assert.Zero(t, elsewhereHits.Load())
		})
	}
}

func TestHandleExecute_PlanTooLarge(t *testing.T) {
	svc, err := NewService(&mockPlanner{}, &mockExecutor{}, &mockCatalog{}, nil, WithExecuteLimits(ExecuteLimits{MaxTools: 1}))
	require.NoError(t, err)
	router := setupTestRouter(t, svc, nil)

	body := ExecuteRequest{Plan: datatypes.PlannerOutput{ExecutionPlan: datatypes.ExecutionPlan{
		Strategy: datatypes.StrategyParallel,
		Tools:    []datatypes.ToolSpec{{ToolID: "a"}, {ToolID: "b"}},
	}}}
	w := doJSON(t, router, http.MethodPost, "/v1/dispatch/execute", body, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "PLAN_TOO_LARGE", decodeError(t, w).Code)
}

// =============================================================================
// Tools / Health / Ready
// =============================================================================

func TestHandleTools(t *testing.T) {
	tools := []registry.ToolDescriptor{
		{Name: "anomaly_zscore", Version: "1.0.0", Endpoints: map[string]string{registry.ProtocolREST: "http://a"}},
		{Name: "clustering", Version: "1.0.0", Endpoints: map[string]string{registry.ProtocolREST: "http://c"}},
	}
	router := setupTestRouter(t, mockService(t, nil, nil, tools...), nil)

	w := doJSON(t, router, http.MethodGet, "/v1/dispatch/tools", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp ToolsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, invocation.DataChannelVersion, resp.DataChannel)
	assert.Equal(t, "anomaly_zscore", resp.Tools[0].Name)
}

func TestHandleHealth(t *testing.T) {
	router := setupTestRouter(t, mockService(t, nil, nil), JWTAuthMiddleware([]byte("s")))

	w := doJSON(t, router, http.MethodGet, "/v1/dispatch/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, "health is not behind auth")

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
}

func TestHandleReady(t *testing.T) {
	t.Run("empty registry", func(t *testing.T) {
		router := setupTestRouter(t, mockService(t, nil, nil), nil)
		w := doJSON(t, router, http.MethodGet, "/v1/dispatch/ready", nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("tools registered", func(t *testing.T) {
		router := setupTestRouter(t, mockService(t, nil, nil, registry.ToolDescriptor{Name: "clustering"}), nil)
		w := doJSON(t, router, http.MethodGet, "/v1/dispatch/ready", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ready", resp.Status)
		assert.Equal(t, 1, resp.Tools)
	})
}
