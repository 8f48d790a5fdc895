// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadServiceConfig_Defaults(t *testing.T) {
	for _, key := range []string{
		"DISPATCH_PORT", "DISPATCH_RESOLUTION_POLICY", "DISPATCH_POOL_SIZE",
		"DISPATCH_PARALLEL_WAIT", "DISPATCH_TOOL_TIMEOUT", "DISPATCH_TOOL_RETRIES",
		"DISPATCH_CORS_ORIGINS", "DISPATCH_OTEL_EXPORTER", "INFLUX_URL",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadServiceConfig()

	if cfg.Port != DefaultPort {
		t.Errorf("expected port %d, got %d", DefaultPort, cfg.Port)
	}
	if cfg.ResolutionPolicy != PolicyUserFeedback {
		t.Errorf("expected policy %q, got %q", PolicyUserFeedback, cfg.ResolutionPolicy)
	}
	if cfg.PoolSize != 5 {
		t.Errorf("expected pool size 5, got %d", cfg.PoolSize)
	}
	if cfg.ParallelWait != 60*time.Second {
		t.Errorf("expected parallel wait 60s, got %v", cfg.ParallelWait)
	}
	if cfg.ToolTimeout != 30*time.Second {
		t.Errorf("expected tool timeout 30s, got %v", cfg.ToolTimeout)
	}
	if cfg.ToolRetries != 2 {
		t.Errorf("expected 2 retries, got %d", cfg.ToolRetries)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("expected CORS origins [*], got %v", cfg.CORSOrigins)
	}
	if cfg.Influx.Enabled() {
		t.Error("expected influx sink disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadServiceConfig_Overrides(t *testing.T) {
	t.Setenv("DISPATCH_PORT", "9000")
	t.Setenv("DISPATCH_RESOLUTION_POLICY", "AUTO_SELECT")
	t.Setenv("DISPATCH_POOL_SIZE", "8")
	t.Setenv("DISPATCH_PARALLEL_WAIT", "1500ms")
	t.Setenv("DISPATCH_TOOL_TIMEOUT", "12")
	t.Setenv("DISPATCH_TOOL_RETRIES", "0")
	t.Setenv("DISPATCH_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("DISPATCH_LOG_LEVEL", "debug")
	t.Setenv("DISPATCH_OTLP_INSECURE", "true")

	cfg := LoadServiceConfig()

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.ResolutionPolicy != PolicyAutoSelect {
		t.Errorf("expected policy auto_select, got %q", cfg.ResolutionPolicy)
	}
	if cfg.PoolSize != 8 {
		t.Errorf("expected pool size 8, got %d", cfg.PoolSize)
	}
	if cfg.ParallelWait != 1500*time.Millisecond {
		t.Errorf("expected parallel wait 1.5s, got %v", cfg.ParallelWait)
	}
	if cfg.ToolTimeout != 12*time.Second {
		t.Errorf("expected tool timeout 12s, got %v", cfg.ToolTimeout)
	}
	if cfg.ToolRetries != 0 {
		t.Errorf("expected 0 retries, got %d", cfg.ToolRetries)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("unexpected CORS origins %v", cfg.CORSOrigins)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", cfg.SlogLevel())
	}
	if !cfg.OTLPInsecure {
		t.Error("expected OTLP insecure mode")
	}
}

func TestLoadServiceConfig_InvalidFallsBack(t *testing.T) {
	t.Setenv("DISPATCH_POOL_SIZE", "many")
	t.Setenv("DISPATCH_TOOL_TIMEOUT", "soon")
	t.Setenv("DISPATCH_OTLP_INSECURE", "maybe")

	cfg := LoadServiceConfig()

	if cfg.PoolSize != DefaultPoolSize {
		t.Errorf("expected default pool size on parse failure, got %d", cfg.PoolSize)
	}
	if cfg.ToolTimeout != DefaultToolTimeout {
		t.Errorf("expected default timeout on parse failure, got %v", cfg.ToolTimeout)
	}
	if cfg.OTLPInsecure {
		t.Error("expected OTLP insecure to default to false on parse failure")
	}
}

func TestServiceConfig_Validate(t *testing.T) {
	base := func() *ServiceConfig {
		t.Setenv("DISPATCH_RESOLUTION_POLICY", "")
		return LoadServiceConfig()
	}

	cfg := base()
	cfg.ResolutionPolicy = "guess"
	if err := cfg.Validate(); err == nil {
		t.Error("expected unknown policy to fail validation")
	}

	cfg = base()
	cfg.PoolSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected pool size 0 to fail validation")
	}

	cfg = base()
	cfg.ToolTimeout = 500 * time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Error("expected sub-second tool timeout to fail validation")
	}
	cfg.ToolTimeout = time.Second
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected 1s tool timeout to validate: %v", err)
	}

	cfg = base()
	cfg.Influx.URL = "http://influx:8086"
	if err := cfg.Validate(); err == nil {
		t.Error("expected influx URL without org/bucket to fail validation")
	}
	cfg.Influx.Org = "aleutian"
	cfg.Influx.Bucket = "dispatch"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected complete influx config to validate: %v", err)
	}
}
