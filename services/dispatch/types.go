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
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/registry"
)

// =============================================================================
// Requests
// =============================================================================

// Request modes.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Data pointer formats with special handling.
const FormatInline = "inline"

// DataPointer locates the data a request analyses.
type DataPointer struct {
	// URI is the frame location (s3://, gs://, file path, ...).
	URI string `json:"uri"`

	// Format is the data format; "inline" with Rows sends rows directly.
	Format string `json:"format" validate:"required"`

	// Rows carries inline data.
	Rows []any `json:"rows,omitempty"`
}

// AnalyzeRequest is the body of POST /v1/dispatch/analyze.
type AnalyzeRequest struct {
	TenantID    string                 `json:"tenant_id" validate:"required"`
	Mode        string                 `json:"mode,omitempty" validate:"omitempty,oneof=sync async"`
	Goal        datatypes.GoalMetadata `json:"goal"`
	DataPointer DataPointer            `json:"data_pointer"`
	Params      map[string]any         `json:"params,omitempty"`
	Context     map[string]any         `json:"context,omitempty"`
}

// PlanRequest is the body of POST /v1/dispatch/plan.
type PlanRequest struct {
	Goal datatypes.GoalMetadata `json:"goal"`
}

// ExecuteRequest is the body of POST /v1/dispatch/execute.
type ExecuteRequest struct {
	Plan datatypes.PlannerOutput `json:"plan"`
	Data datatypes.RequestData   `json:"data"`
}

// =============================================================================
// Responses
// =============================================================================

// AnalyzeResponse is the result of planning and executing one request.
type AnalyzeResponse struct {
	RequestID string                     `json:"request_id"`
	TraceID   string                     `json:"trace_id,omitempty"`
	Plan      datatypes.PlannerOutput    `json:"plan"`
	Result    datatypes.InvocationOutput `json:"result"`
	Timeline  TimelineView               `json:"timeline"`
}

// ToolsResponse lists the registered tools.
type ToolsResponse struct {
	Tools       []registry.ToolDescriptor `json:"tools"`
	Count       int                       `json:"count"`
	DataChannel string                    `json:"data_channel"`
}

// HealthResponse is returned by the health and readiness checks.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Tools   int    `json:"tools,omitempty"`
}

// ErrorResponse is the JSON body of every non-2xx reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}
