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

import "github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"

// DataChannelVersion identifies the successor-feeding contract between
// sequential tools.
const DataChannelVersion = "datachannel/v1"

// successorFields are the output keys that feed the next tool, in precedence order.
var successorFields = []string{"processed_data", "enriched_data"}

// MergePreviousOutput feeds a predecessor's output into the next request.
//
// Description:
//
//	previous is the full decoded response body of the preceding tool. When
//	previous["output"] is an object holding one of the successor fields, that
//	value replaces input.rows of the returned request. data is never
//	mutated: a changed request is a clone.
//
// Inputs:
//
//	data - The request the next tool would otherwise receive.
//	previous - The preceding tool's output. Nil leaves data unchanged.
//
// Outputs:
//
//	datatypes.RequestData - data itself, or a modified copy.
func MergePreviousOutput(data datatypes.RequestData, previous map[string]any) datatypes.RequestData {
	if previous == nil {
		return data
	}
	out, ok := previous["output"].(map[string]any)
	if !ok {
		return data
	}

	for _, field := range successorFields {
		rows, present := out[field]
		if !present {
			continue
		}
		merged := data.Clone()
		merged.Input["rows"] = rows
		return merged
	}
	return data
}
