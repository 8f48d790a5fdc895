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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch/config"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/signing"
)

// MaxResponseBytes caps a tool response body.
const MaxResponseBytes = 32 << 20

// Attempt outcome labels.
const (
	outcomeSuccess    = "success"
	outcomeTimeout    = "timeout"
	outcomeConnection = "connection"
	outcomeHTTPError  = "http_error"
	outcomeUnexpected = "unexpected"
)

// attemptError describes one failed attempt.
type attemptError struct {
	outcome   string
	retryable bool
	message   string
}

// =============================================================================
// InvokeTool
// =============================================================================

// InvokeTool calls one tool with retries.
//
// Description:
//
//	A tool without an endpoint is reported unavailable without a network
//	call. Otherwise the body {input, params, context} is built once, with
//	the tool's params overlaid on data.Params, signed, and POSTed up to
//	RetryCount+1 times. Timeouts and connection failures are retried
//	immediately; a non-2xx status or any other failure ends the call.
//
// Inputs:
//
//	ctx - Cancelling it ends the call after the current attempt.
//	spec - The tool to call.
//	data - The request payload. Never mutated.
//
// Outputs:
//
//	datatypes.ToolInvocationResult - Always populated.
//
// Thread Safety: Safe for concurrent use.
func (l *Layer) InvokeTool(ctx context.Context, spec datatypes.ToolSpec, data datatypes.RequestData) (result datatypes.ToolInvocationResult) {
	ctx, span := invocationTracer.Start(ctx, "invocation.InvokeTool")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool", spec.ToolID),
		attribute.String("endpoint", spec.Endpoint),
		attribute.Int("retry_count", spec.RetryCount),
	)

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		result.DurationMs = elapsed.Milliseconds()
		recordToolMetrics(spec.ToolID, result.Status, elapsed)
		span.SetAttributes(
			attribute.String("status", string(result.Status)),
			attribute.Int("attempts", result.Attempts),
		)
		if result.Status != datatypes.ToolStatusSuccess {
			span.SetStatus(codes.Error, result.Error)
		}
		if l.sink != nil {
			l.sink.RecordInvocation(ctx, result)
		}
	}()

	if !spec.IsAvailable() {
		return datatypes.UnavailableResult(spec.ToolID, fmt.Sprintf("Tool %s endpoint not found", spec.ToolID))
	}

	body, err := json.Marshal(wirePayload(spec, data))
	if err != nil {
		return datatypes.ErrorResult(spec.ToolID, fmt.Sprintf("Tool %s failed: marshal request: %v", spec.ToolID, err))
	}
	signature, err := l.signer.Sign(body)
	if err != nil {
		return datatypes.ErrorResult(spec.ToolID, fmt.Sprintf("Tool %s failed: sign request: %v", spec.ToolID, err))
	}

	logger := l.logger.With(slog.String("tool", spec.ToolID))
	maxAttempts := spec.RetryCount + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr *attemptError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		output, aerr := l.attempt(ctx, spec, body, signature)
		toolAttemptsTotal.WithLabelValues(spec.ToolID, outcomeOf(aerr)).Inc()
		span.AddEvent("attempt", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("outcome", outcomeOf(aerr)),
		))

		if aerr == nil {
			res := datatypes.SuccessResult(spec.ToolID, output)
			res.Attempts = attempt
			logger.Debug("tool call succeeded", slog.Int("attempt", attempt))
			return res
		}

		lastErr = aerr
		if !aerr.retryable {
			logger.Warn("tool call failed",
				slog.Int("attempt", attempt),
				slog.String("error", aerr.message),
			)
			res := datatypes.ErrorResult(spec.ToolID, aerr.message)
			res.Attempts = attempt
			return res
		}
		logger.Warn("tool call attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("error", aerr.message),
		)
	}

	res := datatypes.ErrorResult(spec.ToolID, lastErr.message)
	res.Attempts = maxAttempts
	return res
}

// attempt performs one signed POST and decodes the response body.
func (l *Layer) attempt(ctx context.Context, spec datatypes.ToolSpec, body []byte, signature string) (map[string]any, *attemptError) {
	if err := l.limiter.Wait(ctx, spec.Endpoint); err != nil {
		return nil, terminal(spec.ToolID, "rate limit wait: %v", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, effectiveTimeout(spec))
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, spec.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, terminal(spec.ToolID, "create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signing.HeaderName, signature)
	otel.GetTextMapPropagator().Inject(attemptCtx, propagation.HeaderCarrier(req.Header))

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, spec, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseBytes))
		return nil, &attemptError{
			outcome: outcomeHTTPError,
			message: fmt.Sprintf("Tool %s returned error: %d", spec.ToolID, resp.StatusCode),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(ctx, spec, err)
	}

	var output map[string]any
	if err := json.Unmarshal(raw, &output); err != nil {
		return nil, terminal(spec.ToolID, "decode response: %v", err)
	}
	if output == nil {
		output = map[string]any{}
	}
	return output, nil
}

// wirePayload builds the request body: tool params win over request params.
func wirePayload(spec datatypes.ToolSpec, data datatypes.RequestData) map[string]any {
	params := make(map[string]any, len(data.Params)+len(spec.Params))
	for k, v := range data.Params {
		params[k] = v
	}
	for k, v := range spec.Params {
		params[k] = v
	}
	return map[string]any{
		"input":   orEmpty(data.Input),
		"params":  params,
		"context": orEmpty(data.Context),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func effectiveTimeout(spec datatypes.ToolSpec) time.Duration {
	if t := spec.Timeout(); t > 0 {
		return t
	}
	return config.DefaultToolTimeout
}

// classifyTransportError maps a failed round trip to a retry decision.
//
// Cancellation of the caller's context is terminal. A deadline hit by the
// attempt's own timeout, or a timeout reported by the transport, is a
// retryable timeout. Anything else at the transport level is a retryable
// connection failure.
func classifyTransportError(parent context.Context, spec datatypes.ToolSpec, err error) *attemptError {
	if parent.Err() != nil {
		return terminal(spec.ToolID, "%v", parent.Err())
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &attemptError{
			outcome:   outcomeTimeout,
			retryable: true,
			message:   fmt.Sprintf("Tool %s timed out after %ds", spec.ToolID, int(effectiveTimeout(spec).Seconds())),
		}
	}
	return &attemptError{
		outcome:   outcomeConnection,
		retryable: true,
		message:   fmt.Sprintf("Tool %s connection failed", spec.ToolID),
	}
}

func terminal(toolID, format string, args ...any) *attemptError {
	return &attemptError{
		outcome: outcomeUnexpected,
		message: fmt.Sprintf("Tool %s failed: ", toolID) + fmt.Sprintf(format, args...),
	}
}

func outcomeOf(aerr *attemptError) string {
	if aerr == nil {
		return outcomeSuccess
	}
	return aerr.outcome
}
