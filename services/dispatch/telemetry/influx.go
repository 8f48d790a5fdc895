// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch/config"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"
)

// InvocationMeasurement is the InfluxDB measurement written per tool call.
const InvocationMeasurement = "tool_invocation"

// InfluxSink writes one point per tool invocation to InfluxDB v2.
//
// Description:
//
//	Writes are non-blocking: points are batched by the client and flushed
//	in the background. Write errors are logged, never returned to callers.
//
// Thread Safety: Safe for concurrent use.
type InfluxSink struct {
	client influxdb2.Client
	writer api.WriteAPI
	logger *slog.Logger
	done   chan struct{}
}

// NewInfluxSink connects a sink to the configured bucket.
//
// Outputs:
//
//	*InfluxSink - Call Close before exit.
//	error - Non-nil if the configuration is incomplete.
func NewInfluxSink(cfg config.InfluxConfig, logger *slog.Logger) (*InfluxSink, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("influx sink: INFLUX_URL is not set")
	}
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx sink: org and bucket are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(100).SetFlushInterval(1000))
	s := &InfluxSink{
		client: client,
		writer: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger: logger.With(slog.String("component", "influx_sink")),
		done:   make(chan struct{}),
	}
	go s.drainErrors()
	return s, nil
}

func (s *InfluxSink) drainErrors() {
	errs := s.writer.Errors()
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			s.logger.Warn("influx write failed", slog.String("error", err.Error()))
		case <-s.done:
			return
		}
	}
}

// RecordInvocation queues one point for result.
func (s *InfluxSink) RecordInvocation(_ context.Context, result datatypes.ToolInvocationResult) {
	s.writer.WritePoint(invocationPoint(result, time.Now()))
}

// Close flushes pending points and releases the client.
func (s *InfluxSink) Close() {
	s.writer.Flush()
	close(s.done)
	s.client.Close()
}

func invocationPoint(result datatypes.ToolInvocationResult, at time.Time) *write.Point {
	return influxdb2.NewPoint(InvocationMeasurement,
		map[string]string{
			"tool":   result.ToolID,
			"status": string(result.Status),
		},
		map[string]interface{}{
			"duration_ms": result.DurationMs,
			"attempts":    result.Attempts,
		},
		at,
	)
}
