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
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"
)

// ErrWaitExceeded is returned by Future.Wait when the wait bound elapses.
var ErrWaitExceeded = errors.New("wait bound exceeded")

// Task is a unit of work submitted to the pool.
type Task func(ctx context.Context) datatypes.ToolInvocationResult

// Pool runs tasks with bounded concurrency.
//
// Description:
//
//	One pool is shared by every parallel execution of a Layer. Submit never
//	blocks the caller: each task gets its own goroutine that waits for a
//	slot. A task abandoned by its collector keeps its slot until it returns.
//
// Thread Safety: Safe for concurrent use.
type Pool struct {
	sem      *semaphore.Weighted
	size     int
	inFlight atomic.Int64
	logger   *slog.Logger
}

// NewPool creates a pool with size slots. size < 1 is treated as 1.
func NewPool(size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		logger: logger,
	}
}

// Size returns the pool capacity.
func (p *Pool) Size() int { return p.size }

// InFlight returns the number of tasks currently holding a slot.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Future is the pending result of a submitted task.
type Future struct {
	toolID string
	done   chan struct{}
	result datatypes.ToolInvocationResult
}

// Submit schedules task and returns its future.
//
// Inputs:
//
//	ctx - Passed to the task. Cancelling it also abandons a task still
//	      waiting for a slot.
//	toolID - Used to label a result synthesized on panic or cancellation.
//	task - The work to run.
//
// Outputs:
//
//	*Future - Never nil.
func (p *Pool) Submit(ctx context.Context, toolID string, task Task) *Future {
	f := &Future{toolID: toolID, done: make(chan struct{})}

	go func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("pool task panicked",
					slog.String("tool", toolID),
					slog.Any("panic", r),
				)
				f.result = datatypes.ErrorResult(toolID, fmt.Sprintf("Tool %s failed: panic: %v", toolID, r))
			}
		}()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			f.result = datatypes.ErrorResult(toolID, fmt.Sprintf("Tool %s failed: %v", toolID, err))
			return
		}
		defer p.sem.Release(1)

		p.inFlight.Add(1)
		poolInFlight.Inc()
		defer func() {
			p.inFlight.Add(-1)
			poolInFlight.Dec()
		}()

		f.result = task(ctx)
	}()

	return f
}

// Wait blocks until the task completes, the bound elapses, or ctx is done.
//
// Outputs:
//
//	datatypes.ToolInvocationResult - Valid only when error is nil.
//	error - ErrWaitExceeded on timeout, or ctx.Err().
func (f *Future) Wait(ctx context.Context, bound time.Duration) (datatypes.ToolInvocationResult, error) {
	timer := time.NewTimer(bound)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.result, nil
	case <-timer.C:
		return datatypes.ToolInvocationResult{}, ErrWaitExceeded
	case <-ctx.Done():
		return datatypes.ToolInvocationResult{}, ctx.Err()
	}
}

// Done is closed when the task finishes.
func (f *Future) Done() <-chan struct{} { return f.done }
