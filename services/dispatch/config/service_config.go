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
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Resolution policies understood by the planner.
const (
	PolicyAutoSelect   = "auto_select"
	PolicyUserFeedback = "user_feedback"
	PolicyCreateNew    = "create_new"
)

// Service defaults.
const (
	DefaultPort             = 12230
	DefaultPoolSize         = 5
	DefaultParallelWait     = 60 * time.Second
	DefaultToolTimeout      = 30 * time.Second
	DefaultToolRetries      = 2
	DefaultMaxPlanTools     = 16
	DefaultSigningSecretEnv = "DISPATCH_SIGNING_SECRET"
)

// InfluxConfig points the optional invocation-latency sink at an InfluxDB v2 bucket.
type InfluxConfig struct {
	// Env: INFLUX_URL. Empty disables the sink.
	URL string `validate:"omitempty,url"`

	// Env: INFLUX_TOKEN
	Token string

	// Env: INFLUX_ORG
	Org string `validate:"required_with=URL"`

	// Env: INFLUX_BUCKET
	Bucket string `validate:"required_with=URL"`
}

// Enabled reports whether the sink is configured.
func (c InfluxConfig) Enabled() bool { return c.URL != "" }

// ServiceConfig holds all runtime configuration for the dispatch service.
//
// Description:
//
//	Loaded from environment variables at startup via LoadServiceConfig().
//	All fields have safe defaults (user_feedback policy, pool of 5, 30s tool
//	timeout, 2 retries, stdout tracing).
//
// Thread Safety: ServiceConfig is a value type. Safe to copy and share after loading.
type ServiceConfig struct {
	// Env: DISPATCH_PORT (default: 12230)
	Port int `validate:"gte=1,lte=65535"`

	// Env: DISPATCH_RESOLUTION_POLICY (default: "user_feedback")
	ResolutionPolicy string `validate:"oneof=auto_select user_feedback create_new"`

	// PoolSize is the parallel worker pool capacity.
	// Env: DISPATCH_POOL_SIZE (default: 5)
	PoolSize int `validate:"gte=1"`

	// ParallelWait bounds how long the collector waits on one parallel future.
	// Env: DISPATCH_PARALLEL_WAIT (Go duration or seconds, default: 60s)
	ParallelWait time.Duration `validate:"gt=0"`

	// ToolTimeout is sent to tools in whole seconds.
	// Env: DISPATCH_TOOL_TIMEOUT (Go duration or seconds, default: 30s, min: 1s)
	ToolTimeout time.Duration `validate:"gte=1s"`

	// Env: DISPATCH_TOOL_RETRIES (default: 2)
	ToolRetries int `validate:"gte=0,lte=10"`

	// MaxPlanTools caps the tools in a plan submitted to the execute endpoint.
	// Env: DISPATCH_MAX_PLAN_TOOLS (default: 16)
	MaxPlanTools int `validate:"gte=1"`

	// ToolRatePerSec limits outbound calls per endpoint. 0 disables limiting.
	// Env: DISPATCH_TOOL_RATE_PER_SEC (default: 0)
	ToolRatePerSec float64 `validate:"gte=0"`

	// RegistryPath is a local JSON/YAML file or gs://bucket/object. Empty uses
	// the embedded registry.
	// Env: TOOL_REGISTRY_PATH
	RegistryPath string

	// SigningSecretEnv names the environment variable holding the HMAC secret.
	// Env: DISPATCH_SIGNING_SECRET_ENV (default: "DISPATCH_SIGNING_SECRET")
	SigningSecretEnv string `validate:"required"`

	// JWTSecret enables bearer-token auth on /v1 routes when non-empty.
	// Env: DISPATCH_JWT_SECRET
	JWTSecret string

	// Env: DISPATCH_CORS_ORIGINS (comma-separated, default: "*")
	CORSOrigins []string

	// OTelExporter selects the trace exporter.
	// Env: DISPATCH_OTEL_EXPORTER (default: "stdout")
	OTelExporter string `validate:"oneof=stdout otlp prometheus none"`

	// OTLPEndpoint is the collector address for the otlp exporter.
	// Env: OTEL_EXPORTER_OTLP_ENDPOINT (default: "localhost:4317")
	OTLPEndpoint string `validate:"required_if=OTelExporter otlp"`

	// Env: DISPATCH_OTLP_INSECURE (default: false)
	OTLPInsecure bool

	// Env: DISPATCH_LOG_LEVEL (default: "info")
	LogLevel string `validate:"oneof=debug info warn error"`

	// Env: DISPATCH_LOG_FORMAT (default: "text")
	LogFormat string `validate:"oneof=text json"`

	Influx InfluxConfig
}

// LoadServiceConfig reads the service configuration from environment variables.
//
// Outputs:
//   - *ServiceConfig: Fully populated configuration. Not yet validated.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:             envInt("DISPATCH_PORT", DefaultPort),
		ResolutionPolicy: strings.ToLower(envString("DISPATCH_RESOLUTION_POLICY", PolicyUserFeedback)),
		PoolSize:         envInt("DISPATCH_POOL_SIZE", DefaultPoolSize),
		ParallelWait:     envDuration("DISPATCH_PARALLEL_WAIT", DefaultParallelWait),
		ToolTimeout:      envDuration("DISPATCH_TOOL_TIMEOUT", DefaultToolTimeout),
		ToolRetries:      envInt("DISPATCH_TOOL_RETRIES", DefaultToolRetries),
		MaxPlanTools:     envInt("DISPATCH_MAX_PLAN_TOOLS", DefaultMaxPlanTools),
		ToolRatePerSec:   envFloat("DISPATCH_TOOL_RATE_PER_SEC", 0),
		RegistryPath:     envString("TOOL_REGISTRY_PATH", ""),
		SigningSecretEnv: envString("DISPATCH_SIGNING_SECRET_ENV", DefaultSigningSecretEnv),
		JWTSecret:        os.Getenv("DISPATCH_JWT_SECRET"),
		CORSOrigins:      envList("DISPATCH_CORS_ORIGINS", []string{"*"}),
		OTelExporter:     strings.ToLower(envString("DISPATCH_OTEL_EXPORTER", "stdout")),
		OTLPEndpoint:     envString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:     envBool("DISPATCH_OTLP_INSECURE", false),
		LogLevel:         strings.ToLower(envString("DISPATCH_LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envString("DISPATCH_LOG_FORMAT", "text")),
		Influx: InfluxConfig{
			URL:    os.Getenv("INFLUX_URL"),
			Token:  os.Getenv("INFLUX_TOKEN"),
			Org:    os.Getenv("INFLUX_ORG"),
			Bucket: os.Getenv("INFLUX_BUCKET"),
		},
	}
}

var configValidator = validator.New()

// Validate checks field ranges and enumerations.
func (c *ServiceConfig) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid service config: %w", err)
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog.Level.
func (c *ServiceConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// envString reads a string environment variable with a default value.
func envString(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

// envBool reads a boolean environment variable with a default value.
func envBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

// envInt reads an integer environment variable with a default value.
func envInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// envFloat reads a float64 environment variable with a default value.
func envFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

// envDuration accepts a Go duration ("45s") or a bare number of seconds.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultVal
}

// envList reads a comma-separated environment variable.
func envList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
