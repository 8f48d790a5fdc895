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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all dispatch routes with the router.
//
// Description:
//
//	Registers the /v1/dispatch/* endpoints on rg. Health checks are never
//	behind auth; the remaining routes get the auth middleware when one is
//	given.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//	auth - Optional auth middleware. Nil leaves the API open.
//
// Endpoints:
//
//	POST /v1/dispatch/analyze - Plan and execute a request
//	POST /v1/dispatch/plan - Plan only
//	POST /v1/dispatch/execute - Execute a previously returned plan
//	GET  /v1/dispatch/tools - List registered tools
//	GET  /v1/dispatch/health - Health check
//	GET  /v1/dispatch/ready - Readiness check
//
// Example:
//
//	handlers := dispatch.NewHandlers(svc)
//	v1 := router.Group("/v1")
//	dispatch.RegisterRoutes(v1, handlers, nil)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers, auth gin.HandlerFunc) {
	d := rg.Group("/dispatch")
	{
		d.GET("/health", handlers.HandleHealth)
		d.GET("/ready", handlers.HandleReady)
	}

	api := d.Group("")
	if auth != nil {
		api.Use(auth)
	}
	{
		api.POST("/analyze", handlers.HandleAnalyze)
		api.POST("/plan", handlers.HandlePlan)
		api.POST("/execute", handlers.HandleExecute)
		api.GET("/tools", handlers.HandleTools)
	}
}
