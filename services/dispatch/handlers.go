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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch/invocation"
)

var requestValidator = validator.New()

// Handlers serves the dispatch HTTP API.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleAnalyze handles POST /v1/dispatch/analyze.
//
// Description:
//
//	Plans and executes the request synchronously. Tool failures, partial
//	results and feedback requests are all 200 responses; the aggregate
//	status is in result.status.
//
// Response:
//
//	200 OK: AnalyzeResponse
//	400 Bad Request: Malformed body, failed validation, or unsupported mode
//	403 Forbidden: Token tenant does not match the request tenant
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleAnalyze(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAnalyze")

	var req AnalyzeRequest
	if !bindAndValidate(c, requestID, &req) {
		return
	}

	if tenant := c.GetString(ctxKeyTenantID); tenant != "" && tenant != req.TenantID {
		logger.Warn("tenant mismatch", slog.String("token_tenant", tenant), slog.String("request_tenant", req.TenantID))
		c.JSON(http.StatusForbidden, ErrorResponse{
			Error:     "tenant_id does not match token",
			Code:      "TENANT_MISMATCH",
			RequestID: requestID,
		})
		return
	}

	resp, err := h.svc.Analyze(c.Request.Context(), req, requestID)
	if err != nil {
		code := "INVALID_REQUEST"
		if errors.Is(err, ErrUnsupportedMode) {
			code = "UNSUPPORTED_MODE"
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: code, RequestID: requestID})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandlePlan handles POST /v1/dispatch/plan.
//
// Response:
//
//	200 OK: datatypes.PlannerOutput
//	400 Bad Request: Malformed body or failed validation
func (h *Handlers) HandlePlan(c *gin.Context) {
	requestID := getOrCreateRequestID(c)

	var req PlanRequest
	if !bindAndValidate(c, requestID, &req) {
		return
	}
	c.JSON(http.StatusOK, h.svc.Plan(c.Request.Context(), req.Goal))
}

// HandleExecute handles POST /v1/dispatch/execute.
//
// Response:
//
//	200 OK: datatypes.InvocationOutput
//	400 Bad Request: Malformed body or too many tools
func (h *Handlers) HandleExecute(c *gin.Context) {
	requestID := getOrCreateRequestID(c)

	var req ExecuteRequest
	if !bindAndValidate(c, requestID, &req) {
		return
	}
	out, err := h.svc.Execute(c.Request.Context(), req.Plan, req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "PLAN_TOO_LARGE", RequestID: requestID})
		return
	}
	c.JSON(http.StatusOK, out)
}

// HandleTools handles GET /v1/dispatch/tools.
func (h *Handlers) HandleTools(c *gin.Context) {
	tools := h.svc.Tools()
	c.JSON(http.StatusOK, ToolsResponse{
		Tools:       tools,
		Count:       len(tools),
		DataChannel: invocation.DataChannelVersion,
	})
}

// HandleHealth handles GET /v1/dispatch/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: Version})
}

// HandleReady handles GET /v1/dispatch/ready.
//
// Response:
//
//	200 OK: At least one tool is registered
//	503 Service Unavailable: The registry is empty
func (h *Handlers) HandleReady(c *gin.Context) {
	if !h.svc.Ready() {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "not_ready", Version: Version})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ready", Version: Version, Tools: len(h.svc.Tools())})
}

// bindAndValidate decodes the JSON body into dst and validates it, writing a
// 400 response on failure.
func bindAndValidate(c *gin.Context, requestID string, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid request body: " + err.Error(),
			Code:      "INVALID_REQUEST",
			RequestID: requestID,
		})
		return false
	}
	if err := requestValidator.Struct(dst); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     err.Error(),
			Code:      "VALIDATION_FAILED",
			RequestID: requestID,
		})
		return false
	}
	return true
}
