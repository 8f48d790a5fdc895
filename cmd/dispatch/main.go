// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command dispatch runs the plan-and-dispatch HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/config"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/invocation"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/planner"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/registry"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/signing"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/telemetry"
)

const serviceName = "aleutian-dispatch"

func main() {
	port := flag.Int("port", 0, "Port to listen on (overrides DISPATCH_PORT)")
	debug := flag.Bool("debug", false, "Enable gin debug mode and request logging")
	registryPath := flag.String("registry", "", "Tool registry file or gs:// URI (overrides TOOL_REGISTRY_PATH)")
	flag.Parse()

	defer memguard.Purge()

	cfg := config.LoadServiceConfig()
	if *port != 0 {
		cfg.Port = *port
	}
	if *registryPath != "" {
		cfg.RegistryPath = *registryPath
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *debug); err != nil {
		logger.Error("Dispatch server failed", slog.String("error", err.Error()))
		memguard.Purge()
		os.Exit(1)
	}
}

func newLogger(cfg *config.ServiceConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// run wires the service and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.ServiceConfig, logger *slog.Logger, debug bool) error {
	providers, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  serviceName,
		Exporter:     cfg.OTelExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	svc, cleanup, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var auth gin.HandlerFunc
	if cfg.JWTSecret != "" {
		auth = dispatch.JWTAuthMiddleware([]byte(cfg.JWTSecret))
	} else {
		logger.Warn("DISPATCH_JWT_SECRET not set, API routes are unauthenticated")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newHandler(svc, cfg.CORSOrigins, auth, debug),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting Aleutian Dispatch server",
			slog.String("address", srv.Addr),
			slog.String("policy", cfg.ResolutionPolicy),
			slog.Int("pool_size", cfg.PoolSize),
			slog.Int("tools", len(svc.Tools())),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down Aleutian Dispatch server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ParallelWait)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildService loads the registry, rules and signing secret and assembles
// the planner and invocation layer. The returned cleanup flushes the
// optional Influx sink.
func buildService(ctx context.Context, cfg *config.ServiceConfig, logger *slog.Logger) (*dispatch.Service, func(), error) {
	noop := func() {}

	reg, err := registry.Load(ctx, cfg.RegistryPath)
	if err != nil {
		return nil, noop, err
	}

	rules, err := config.GetPlannerRules(ctx)
	if err != nil {
		return nil, noop, fmt.Errorf("planner rules: %w", err)
	}

	p, err := planner.New(reg, rules, planner.Config{
		Policy:      cfg.ResolutionPolicy,
		ToolTimeout: cfg.ToolTimeout,
		RetryCount:  cfg.ToolRetries,
	}, logger)
	if err != nil {
		return nil, noop, err
	}

	signer, err := signing.NewSignerFromBackend(ctx, signing.EnvBackend{}, cfg.SigningSecretEnv)
	if err != nil {
		return nil, noop, fmt.Errorf("signing secret from %s: %w", cfg.SigningSecretEnv, err)
	}

	opts := []invocation.LayerOption{
		invocation.WithPoolSize(cfg.PoolSize),
		invocation.WithParallelWait(cfg.ParallelWait),
		invocation.WithRateLimit(cfg.ToolRatePerSec),
		invocation.WithLogger(logger),
	}
	cleanup := noop
	if cfg.Influx.Enabled() {
		sink, err := telemetry.NewInfluxSink(cfg.Influx, logger)
		if err != nil {
			return nil, noop, err
		}
		opts = append(opts, invocation.WithLatencySink(sink))
		cleanup = sink.Close
	}

	layer, err := invocation.NewLayer(signer, opts...)
	if err != nil {
		cleanup()
		return nil, noop, err
	}

	svc, err := dispatch.NewService(p, layer, reg, logger, dispatch.WithExecuteLimits(dispatch.ExecuteLimits{
		MaxTools:   cfg.MaxPlanTools,
		MaxTimeout: cfg.ToolTimeout,
		MaxRetries: cfg.ToolRetries,
	}))
	if err != nil {
		cleanup()
		return nil, noop, err
	}
	return svc, cleanup, nil
}

// newHandler builds the gin engine and wraps it with CORS.
func newHandler(svc *dispatch.Service, origins []string, auth gin.HandlerFunc, debug bool) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(dispatch.RequestIDMiddleware())
	if debug {
		router.Use(gin.Logger())
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	dispatch.RegisterRoutes(v1, dispatch.NewHandlers(svc), auth)

	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", dispatch.RequestIDHeader},
		ExposedHeaders:   []string{dispatch.RequestIDHeader},
		AllowCredentials: false,
	}).Handler(router)
}
