// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"errors"
	"fmt"
	"time"
)

// EventType tags an Event with its payload variant. The union is
// closed: every type maps to exactly one payload field, and consumers
// can switch exhaustively.
type EventType string

const (
	// EventRunStarted is published once when the loop begins.
	// Payload: Run.
	EventRunStarted EventType = "run:started"

	// EventRunRunning is the per-iteration snapshot published at the
	// top of each loop iteration. Payload: Run.
	EventRunRunning EventType = "run:running"

	// EventRunCompleted is the terminal success event. Payload: Run.
	EventRunCompleted EventType = "run:completed"

	// EventRunFailed is the terminal failure event (including budget
	// and consecutive-failure aborts, and cancellation). Payload: Run.
	EventRunFailed EventType = "run:failed"

	// EventStepStarted is published before a step's environment is
	// spawned. Payload: Step.
	EventStepStarted EventType = "step:started"

	// EventStepProgress carries intermediate step output markers.
	// High-frequency; the streaming transport throttles it to one
	// per second per step. Payload: Step.
	EventStepProgress EventType = "step:progress"

	// EventStepCompleted is published when a step attempt succeeds.
	// Payload: Step.
	EventStepCompleted EventType = "step:completed"

	// EventStepFailed is published when a step attempt fails.
	// Payload: Step.
	EventStepFailed EventType = "step:failed"

	// EventBudgetWarning fires when accumulated cost is at or above
	// 80% of the budget limit but below it. Level-triggered: it is
	// re-checked every step and may fire more than once. Payload:
	// Budget.
	EventBudgetWarning EventType = "budget:warning"

	// EventBudgetExceeded fires when accumulated cost reaches the
	// budget limit; the run terminates failed. Payload: Budget.
	EventBudgetExceeded EventType = "budget:exceeded"

	// EventLogCreated carries one log line. Payload: Log.
	EventLogCreated EventType = "log:created"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventRunStarted, EventRunRunning, EventRunCompleted, EventRunFailed,
		EventStepStarted, EventStepProgress, EventStepCompleted, EventStepFailed,
		EventBudgetWarning, EventBudgetExceeded, EventLogCreated:
		return true
	}
	return false
}

// Terminal reports whether t ends the run's event stream.
func (t EventType) Terminal() bool {
	return t == EventRunCompleted || t == EventRunFailed
}

// Event is one entry on a run's event bus. Exactly one payload field
// is non-nil, matching Type. Events are ephemeral — they are never
// persisted; the run's history lives in step records and logs.
type Event struct {
	// RunID scopes the event to one run.
	RunID string `json:"run_id" cbor:"run_id"`

	// Type selects the payload variant.
	Type EventType `json:"type" cbor:"type"`

	// Timestamp is when the event was published. The streaming
	// transport derives its monotonically increasing wire ids from it.
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`

	// Exactly one of the following is set.
	Run    *RunSnapshot `json:"run,omitempty" cbor:"run,omitempty"`
	Step   *StepEvent   `json:"step,omitempty" cbor:"step,omitempty"`
	Budget *BudgetEvent `json:"budget,omitempty" cbor:"budget,omitempty"`
	Log    *LogEvent    `json:"log,omitempty" cbor:"log,omitempty"`
}

// RunSnapshot is the run-event payload: a point-in-time view of the
// run's progress.
type RunSnapshot struct {
	ID          string    `json:"id" cbor:"id"`
	Workflow    string    `json:"workflow" cbor:"workflow"`
	Status      RunStatus `json:"status" cbor:"status"`
	CurrentStep string    `json:"current_step,omitempty" cbor:"current_step,omitempty"`
	StepIndex   int       `json:"step_index" cbor:"step_index"`
	Iteration   int       `json:"iteration" cbor:"iteration"`
	Cost        float64   `json:"cost" cbor:"cost"`
	StartedAt   time.Time `json:"started_at,omitzero" cbor:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitzero" cbor:"completed_at,omitempty"`
	Error       string    `json:"error,omitempty" cbor:"error,omitempty"`
}

// StepEvent is the step-event payload.
type StepEvent struct {
	// Name and Role identify the definition step; Index is the
	// run-wide attempt number.
	Name  string `json:"name" cbor:"name"`
	Role  string `json:"role,omitempty" cbor:"role,omitempty"`
	Index int    `json:"index" cbor:"index"`

	// Status is the attempt's state at publication time.
	Status StepStatus `json:"status" cbor:"status"`

	// DurationMS and Cost are set on completed/failed events.
	DurationMS int64   `json:"duration_ms,omitempty" cbor:"duration_ms,omitempty"`
	Cost       float64 `json:"cost,omitempty" cbor:"cost,omitempty"`

	// Output carries captured output on completion, or a progress
	// marker on progress events.
	Output string `json:"output,omitempty" cbor:"output,omitempty"`

	// Error is set on failed events.
	Error string `json:"error,omitempty" cbor:"error,omitempty"`
}

// BudgetEvent is the budget-event payload.
type BudgetEvent struct {
	// Cost is the accumulated run cost at check time.
	Cost float64 `json:"cost" cbor:"cost"`

	// Limit is the run's budget limit.
	Limit float64 `json:"limit" cbor:"limit"`

	// PercentUsed is Cost/Limit expressed as a percentage.
	PercentUsed float64 `json:"percent_used" cbor:"percent_used"`
}

// LogEvent is the log-event payload. Seq mirrors the persisted
// LogEntry sequence number so that stream attachment can filter live
// log events already covered by the snapshot.
type LogEvent struct {
	Seq       uint64    `json:"seq" cbor:"seq"`
	Level     string    `json:"level" cbor:"level"`
	Message   string    `json:"message" cbor:"message"`
	Step      string    `json:"step,omitempty" cbor:"step,omitempty"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
}

// Validate checks that the event carries exactly the payload its type
// requires.
func (e *Event) Validate() error {
	if e.RunID == "" {
		return errors.New("event: run_id is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("event: unknown type %q", e.Type)
	}

	count := 0
	if e.Run != nil {
		count++
	}
	if e.Step != nil {
		count++
	}
	if e.Budget != nil {
		count++
	}
	if e.Log != nil {
		count++
	}
	if count != 1 {
		return fmt.Errorf("event %s: exactly one payload must be set, got %d", e.Type, count)
	}

	var ok bool
	switch e.Type {
	case EventRunStarted, EventRunRunning, EventRunCompleted, EventRunFailed:
		ok = e.Run != nil
	case EventStepStarted, EventStepProgress, EventStepCompleted, EventStepFailed:
		ok = e.Step != nil
	case EventBudgetWarning, EventBudgetExceeded:
		ok = e.Budget != nil
	case EventLogCreated:
		ok = e.Log != nil
	}
	if !ok {
		return fmt.Errorf("event %s: payload does not match type", e.Type)
	}
	return nil
}

// NewRunEvent builds a run-payload event.
func NewRunEvent(t EventType, at time.Time, snapshot RunSnapshot) Event {
	return Event{RunID: snapshot.ID, Type: t, Timestamp: at, Run: &snapshot}
}

// NewStepEvent builds a step-payload event.
func NewStepEvent(t EventType, at time.Time, runID string, step StepEvent) Event {
	return Event{RunID: runID, Type: t, Timestamp: at, Step: &step}
}

// NewBudgetEvent builds a budget-payload event.
func NewBudgetEvent(t EventType, at time.Time, runID string, budget BudgetEvent) Event {
	return Event{RunID: runID, Type: t, Timestamp: at, Budget: &budget}
}

// NewLogEvent builds a log-payload event.
func NewLogEvent(at time.Time, runID string, log LogEvent) Event {
	return Event{RunID: runID, Type: EventLogCreated, Timestamp: at, Log: &log}
}
