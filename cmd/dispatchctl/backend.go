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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/config"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/invocation"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/planner"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/registry"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/signing"
)

// backend is what the commands talk to: a running server or an in-process
// service.
type backend interface {
	Plan(ctx context.Context, goal datatypes.GoalMetadata) (datatypes.PlannerOutput, error)
	Analyze(ctx context.Context, req dispatch.AnalyzeRequest) (*dispatch.AnalyzeResponse, error)
	Tools(ctx context.Context) ([]registry.ToolDescriptor, error)
}

// =============================================================================
// Remote
// =============================================================================

// remoteBackend calls the /v1/dispatch API.
type remoteBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

func newRemoteBackend(baseURL, token string, timeout time.Duration) *remoteBackend {
	return &remoteBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *remoteBackend) Plan(ctx context.Context, goal datatypes.GoalMetadata) (datatypes.PlannerOutput, error) {
	var out datatypes.PlannerOutput
	err := r.do(ctx, http.MethodPost, "/v1/dispatch/plan", dispatch.PlanRequest{Goal: goal}, &out)
	return out, err
}

func (r *remoteBackend) Analyze(ctx context.Context, req dispatch.AnalyzeRequest) (*dispatch.AnalyzeResponse, error) {
	var out dispatch.AnalyzeResponse
	if err := r.do(ctx, http.MethodPost, "/v1/dispatch/analyze", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *remoteBackend) Tools(ctx context.Context) ([]registry.ToolDescriptor, error) {
	var out dispatch.ToolsResponse
	if err := r.do(ctx, http.MethodGet, "/v1/dispatch/tools", nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

func (r *remoteBackend) do(ctx context.Context, method, path string, body, dst any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(dispatch.RequestIDHeader, uuid.NewString())
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, invocation.MaxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr dispatch.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// =============================================================================
// Local
// =============================================================================

// localBackend runs the planner and invocation layer in-process.
type localBackend struct {
	svc *dispatch.Service
}

// newLocalBackend builds an in-process service from the environment
// configuration. registryPath overrides TOOL_REGISTRY_PATH when set. Tool
// invocation needs the signing secret; planning and listing do not.
func newLocalBackend(ctx context.Context, registryPath string, needSigner bool) (*localBackend, error) {
	cfg := config.LoadServiceConfig()
	if registryPath != "" {
		cfg.RegistryPath = registryPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := slog.New(slog.DiscardHandler)

	reg, err := registry.Load(ctx, cfg.RegistryPath)
	if err != nil {
		return nil, err
	}
	rules, err := config.GetPlannerRules(ctx)
	if err != nil {
		return nil, err
	}
	p, err := planner.New(reg, rules, planner.Config{
		Policy:      cfg.ResolutionPolicy,
		ToolTimeout: cfg.ToolTimeout,
		RetryCount:  cfg.ToolRetries,
	}, logger)
	if err != nil {
		return nil, err
	}

	var executor dispatch.Executor = unsignedExecutor{}
	if needSigner {
		signer, err := signing.NewSignerFromBackend(ctx, signing.EnvBackend{}, cfg.SigningSecretEnv)
		if err != nil {
			return nil, fmt.Errorf("set %s to invoke tools locally: %w", cfg.SigningSecretEnv, err)
		}
		layer, err := invocation.NewLayer(signer,
			invocation.WithPoolSize(cfg.PoolSize),
			invocation.WithParallelWait(cfg.ParallelWait),
			invocation.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		executor = layer
	}

	svc, err := dispatch.NewService(p, executor, reg, logger)
	if err != nil {
		return nil, err
	}
	return &localBackend{svc: svc}, nil
}

func (l *localBackend) Plan(ctx context.Context, goal datatypes.GoalMetadata) (datatypes.PlannerOutput, error) {
	return l.svc.Plan(ctx, goal), nil
}

func (l *localBackend) Analyze(ctx context.Context, req dispatch.AnalyzeRequest) (*dispatch.AnalyzeResponse, error) {
	return l.svc.Analyze(ctx, req, uuid.NewString())
}

func (l *localBackend) Tools(_ context.Context) ([]registry.ToolDescriptor, error) {
	return l.svc.Tools(), nil
}

// unsignedExecutor stands in when no signing secret is loaded. Plan and
// Tools never reach it.
type unsignedExecutor struct{}

func (unsignedExecutor) Execute(_ context.Context, out datatypes.PlannerOutput, _ datatypes.RequestData) datatypes.InvocationOutput {
	results := make([]datatypes.ToolInvocationResult, 0, len(out.ExecutionPlan.Tools))
	for _, t := range out.ExecutionPlan.Tools {
		results = append(results, datatypes.ErrorResult(t.ToolID, fmt.Sprintf("Tool %s failed: no signing secret loaded", t.ToolID)))
	}
	return invocation.Aggregate(results)
}
