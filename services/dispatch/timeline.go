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
	"sync"
	"time"
)

// TaskStatus is the state recorded by a timeline event.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskEvent is one entry in a request timeline.
type TaskEvent struct {
	TaskID    string         `json:"task_id"`
	TaskName  string         `json:"task_name"`
	Status    TaskStatus     `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// Timeline records the stages of one request.
//
// Thread Safety: Safe for concurrent use.
type Timeline struct {
	mu        sync.Mutex
	requestID string
	start     time.Time
	end       time.Time
	events    []TaskEvent
	now       func() time.Time
}

// NewTimeline starts a timeline for requestID.
func NewTimeline(requestID string) *Timeline {
	return newTimelineAt(requestID, time.Now)
}

func newTimelineAt(requestID string, now func() time.Time) *Timeline {
	return &Timeline{requestID: requestID, start: now(), now: now}
}

// Start records that a task began.
func (t *Timeline) Start(taskID, name string, metadata map[string]any) {
	t.add(taskID, name, TaskInProgress, metadata)
}

// Complete records that a task finished. The name is taken from the
// task's start event when one exists.
func (t *Timeline) Complete(taskID string, metadata map[string]any) {
	t.add(taskID, t.nameOf(taskID), TaskCompleted, metadata)
}

// Fail records that a task failed with errMsg.
func (t *Timeline) Fail(taskID, errMsg string, metadata map[string]any) {
	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["error"] = errMsg
	t.add(taskID, t.nameOf(taskID), TaskFailed, meta)
}

// Record appends an event with an explicit status.
func (t *Timeline) Record(taskID, name string, status TaskStatus, metadata map[string]any) {
	t.add(taskID, name, status, metadata)
}

// Finish marks the timeline complete. Later calls are no-ops.
func (t *Timeline) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.end.IsZero() {
		t.end = t.now()
	}
}

// Duration is the elapsed time until Finish, or until now if unfinished.
func (t *Timeline) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.durationLocked()
}

func (t *Timeline) durationLocked() time.Duration {
	end := t.end
	if end.IsZero() {
		end = t.now()
	}
	return end.Sub(t.start)
}

func (t *Timeline) add(taskID, name string, status TaskStatus, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, TaskEvent{
		TaskID:    taskID,
		TaskName:  name,
		Status:    status,
		Timestamp: t.now(),
		Metadata:  metadata,
	})
}

func (t *Timeline) nameOf(taskID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.events {
		if e.TaskID == taskID {
			return e.TaskName
		}
	}
	return taskID
}

// TimelineView is the serialisable snapshot of a timeline.
type TimelineView struct {
	RequestID       string      `json:"request_id"`
	StartTime       time.Time   `json:"start_time"`
	EndTime         *time.Time  `json:"end_time"`
	DurationSeconds float64     `json:"duration_seconds"`
	Events          []TaskEvent `json:"events"`
}

// View returns a snapshot of the timeline.
func (t *Timeline) View() TimelineView {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := TimelineView{
		RequestID:       t.requestID,
		StartTime:       t.start,
		DurationSeconds: t.durationLocked().Seconds(),
		Events:          make([]TaskEvent, len(t.events)),
	}
	copy(v.Events, t.events)
	if !t.end.IsZero() {
		end := t.end
		v.EndTime = &end
	}
	return v
}
