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
	"context"
	"math"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// endpointLimiter throttles outbound calls per tool host.
//
// Thread Safety: Safe for concurrent use. A nil limiter never waits.
type endpointLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

func newEndpointLimiter(perSecond float64) *endpointLimiter {
	if perSecond <= 0 {
		return nil
	}
	return &endpointLimiter{
		limit:    rate.Limit(perSecond),
		burst:    int(math.Max(1, math.Ceil(perSecond))),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until a call to endpoint is allowed or ctx is done.
func (e *endpointLimiter) Wait(ctx context.Context, endpoint string) error {
	if e == nil {
		return nil
	}
	return e.limiterFor(hostKey(endpoint)).Wait(ctx)
}

func (e *endpointLimiter) limiterFor(key string) *rate.Limiter {
	e.mu.RLock()
	l, ok := e.limiters[key]
	e.mu.RUnlock()
	if ok {
		return l
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok = e.limiters[key]; ok {
		return l
	}
	l = rate.NewLimiter(e.limit, e.burst)
	e.limiters[key] = l
	return l
}

// hostKey groups endpoints by host so tools sharing a service share a budget.
func hostKey(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Host
}
