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
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// RequestIDHeader carries the request correlation ID in both directions.
const RequestIDHeader = "X-Request-ID"

// Context keys set by the middleware.
const (
	ctxKeyRequestID = "request_id"
	ctxKeyTenantID  = "tenant_id"
)

// RequestIDMiddleware assigns every request a correlation ID.
//
// An incoming X-Request-ID is kept; otherwise a UUID is generated. The ID is
// echoed in the response header and stored on the gin context.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxKeyRequestID, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// getOrCreateRequestID returns the request ID assigned by RequestIDMiddleware,
// generating one when the middleware is not installed.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetString(ctxKeyRequestID); id != "" {
		return id
	}
	id := uuid.NewString()
	c.Set(ctxKeyRequestID, id)
	return id
}

// JWTAuthMiddleware requires an HS256 bearer token signed with secret.
//
// Description:
//
//	Rejects requests without a valid token with 401. A tenant_id claim, when
//	present, is stored on the gin context; HandleAnalyze rejects requests
//	naming a different tenant.
//
// Thread Safety: Safe for concurrent use.
func JWTAuthMiddleware(secret []byte) gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			abortUnauthorized(c, "missing bearer token")
			return
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(strings.TrimSpace(raw), claims, keyFunc)
		if err != nil || !token.Valid {
			slog.Warn("rejected bearer token",
				slog.String("request_id", getOrCreateRequestID(c)),
				slog.String("path", c.Request.URL.Path),
			)
			abortUnauthorized(c, "invalid bearer token")
			return
		}

		if tenant, ok := claims[ctxKeyTenantID].(string); ok && tenant != "" {
			c.Set(ctxKeyTenantID, tenant)
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
		Error:     msg,
		Code:      "UNAUTHORIZED",
		RequestID: getOrCreateRequestID(c),
	})
}
