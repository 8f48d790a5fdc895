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

import "github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"

// InlineFrameURI is the frame URI sent for inline rows.
const InlineFrameURI = "inline://rows"

// Schema defaults used when the request params do not name the columns.
const (
	DefaultTimestampField = "timestamp"
	DefaultMetric         = "speed_kmh"
)

// DefaultKeyFields are the entity key columns used when none are given.
var DefaultKeyFields = []any{"segment_id"}

// MakeInput builds the wire input object for a data pointer.
//
// Description:
//
//	Inline pointers with rows become {frame_uri: inline://rows, rows, schema};
//	anything else is passed by reference as {frame_uri: uri, schema}. The
//	schema names the timestamp, entity key and metric columns, taken from
//	params timestamp_field, key_fields and metric.
func MakeInput(ptr DataPointer, params map[string]any) map[string]any {
	schema := map[string]any{
		"timestamp":   paramOr(params, "timestamp_field", DefaultTimestampField),
		"entity_keys": paramOr(params, "key_fields", DefaultKeyFields),
		"metric":      paramOr(params, "metric", DefaultMetric),
	}

	if ptr.Format == FormatInline && len(ptr.Rows) > 0 {
		return map[string]any{
			"frame_uri": InlineFrameURI,
			"rows":      ptr.Rows,
			"schema":    schema,
		}
	}
	return map[string]any{
		"frame_uri": ptr.URI,
		"schema":    schema,
	}
}

func paramOr(params map[string]any, key string, fallback any) any {
	if v, ok := params[key]; ok && v != nil {
		return v
	}
	return fallback
}

// BuildRequestData assembles the payload shared by every tool of a request.
//
// The caller's context is copied and extended with tenant_id, request_id and,
// when known, trace_id.
func BuildRequestData(req AnalyzeRequest, requestID, traceID string) datatypes.RequestData {
	params := make(map[string]any, len(req.Params))
	for k, v := range req.Params {
		params[k] = v
	}

	reqCtx := make(map[string]any, len(req.Context)+3)
	for k, v := range req.Context {
		reqCtx[k] = v
	}
	reqCtx["tenant_id"] = req.TenantID
	reqCtx["request_id"] = requestID
	if traceID != "" {
		reqCtx["trace_id"] = traceID
	}

	return datatypes.RequestData{
		Input:   MakeInput(req.DataPointer, req.Params),
		Params:  params,
		Context: reqCtx,
	}
}
