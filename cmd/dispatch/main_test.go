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
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/config"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/signing"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig(t *testing.T) *config.ServiceConfig {
	t.Helper()
	t.Setenv("DISPATCH_TEST_SECRET", "main-test-secret")
	cfg := config.LoadServiceConfig()
	cfg.SigningSecretEnv = "DISPATCH_TEST_SECRET"
	cfg.Influx = config.InfluxConfig{}
	return cfg
}

func TestBuildService_EmbeddedRegistry(t *testing.T) {
	svc, cleanup, err := buildService(context.Background(), testConfig(t), slog.Default())
	require.NoError(t, err)
	defer cleanup()

	assert.True(t, svc.Ready())
	assert.NotEmpty(t, svc.Tools())
}

func TestBuildService_MissingSecretFailsFast(t *testing.T) {
	cfg := testConfig(t)
	cfg.SigningSecretEnv = "DISPATCH_TEST_SECRET_UNSET"

	_, _, err := buildService(context.Background(), cfg, slog.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, signing.ErrSecretNotFound)
}

func TestBuildService_BadRegistryPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.RegistryPath = "/nonexistent/tools.yaml"

	_, _, err := buildService(context.Background(), cfg, slog.Default())
	assert.Error(t, err)
}

func TestNewHandler_Routes(t *testing.T) {
	svc, cleanup, err := buildService(context.Background(), testConfig(t), slog.Default())
	require.NoError(t, err)
	defer cleanup()

	h := newHandler(svc, []string{"https://console.example.com"}, nil, false)

	t.Run("health", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/dispatch/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get(dispatch.RequestIDHeader))
	})

	t.Run("metrics", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("cors preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/v1/dispatch/analyze", nil)
		req.Header.Set("Origin", "https://console.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, "https://console.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("cors rejects unknown origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/dispatch/health", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestNewHandler_AuthProtectsAPI(t *testing.T) {
	svc, cleanup, err := buildService(context.Background(), testConfig(t), slog.Default())
	require.NoError(t, err)
	defer cleanup()

	h := newHandler(svc, []string{"*"}, dispatch.JWTAuthMiddleware([]byte("k")), false)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/dispatch/tools", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/dispatch/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
