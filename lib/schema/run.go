// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"errors"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	// RunPending: the run record exists but the loop has not started.
	RunPending RunStatus = "pending"
	// RunRunning: the step loop is executing.
	RunRunning RunStatus = "running"
	// RunPaused: advisory — the loop finishes the current step, then
	// holds before starting the next one.
	RunPaused RunStatus = "paused"
	// RunCompleted: terminal success.
	RunCompleted RunStatus = "completed"
	// RunFailed: terminal failure; Error carries the reason.
	RunFailed RunStatus = "failed"
	// RunCancelled: terminal, observed at a step boundary.
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is one of the three terminal
// states. Terminal runs never change status again and their cost is
// final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunPaused, RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// WorkflowRun is one instantiated execution of a WorkflowDefinition.
// The engine owns the mutable fields while the run is live; stores
// persist point-in-time snapshots.
//
// Invariants: Iterations never exceeds the engine's configured
// maximum; ConsecutiveFailures at the configured maximum forces the
// run to failed; Cost is monotonically non-decreasing until the run
// is terminal.
type WorkflowRun struct {
	// ID is the run's unique identifier.
	ID string `json:"id"`

	// Workflow is the name of the definition this run executes.
	Workflow string `json:"workflow"`

	// Status is the current lifecycle state.
	Status RunStatus `json:"status"`

	// CurrentStep is the name of the step being executed (or about to
	// execute). Empty once the run is terminal.
	CurrentStep string `json:"current_step,omitempty"`

	// StepIndex counts step attempts, starting at 1 for the first
	// step. Revisited steps (cyclic routing) count again.
	StepIndex int `json:"step_index"`

	// Iterations counts loop iterations; the engine's MaxIterations
	// is the only cycle breaker for cyclic routing.
	Iterations int `json:"iterations"`

	// Cost is the accumulated monetary cost of all step attempts,
	// including failed ones.
	Cost float64 `json:"cost"`

	// BudgetLimit is the run's cost ceiling. Nil means unlimited.
	BudgetLimit *float64 `json:"budget_limit,omitempty"`

	// ConsecutiveFailures counts step failures since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// Context is seeded from caller input at submission and read-only
	// to step prompts thereafter.
	Context map[string]any `json:"context,omitempty"`

	// State accumulates step outputs: each successful step writes its
	// declared output variable here, and condition "set" actions write
	// here too.
	State map[string]any `json:"state,omitempty"`

	// StartedAt is when the loop began executing. Zero for pending runs.
	StartedAt time.Time `json:"started_at,omitzero"`

	// CompletedAt is when the run reached a terminal status.
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// Error is the terminal failure reason. Empty unless Status is
	// failed (or cancelled with a reason).
	Error string `json:"error,omitempty"`
}

// Snapshot returns the wire-shaped point-in-time view of the run used
// in run events and stream attachment.
func (r *WorkflowRun) Snapshot() RunSnapshot {
	return RunSnapshot{
		ID:          r.ID,
		Workflow:    r.Workflow,
		Status:      r.Status,
		CurrentStep: r.CurrentStep,
		StepIndex:   r.StepIndex,
		Iteration:   r.Iterations,
		Cost:        r.Cost,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Error:       r.Error,
	}
}

// StepStatus is the lifecycle state of one step attempt.
type StepStatus string

const (
	// StepPending: the record exists but the environment has not
	// been spawned.
	StepPending StepStatus = "pending"
	// StepRunning: the command is executing.
	StepRunning StepStatus = "running"
	// StepCompleted: the command exited zero.
	StepCompleted StepStatus = "completed"
	// StepFailed: tool denial, spawn failure, fetch failure, timeout,
	// or non-zero exit.
	StepFailed StepStatus = "failed"
	// StepSkipped: the step was not executed (reserved for routing
	// that bypasses a step).
	StepSkipped StepStatus = "skipped"
)

// Valid reports whether s is a known step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepRunning, StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// Terminal reports whether the attempt is finished. A terminal record
// never changes again; step history is append-only.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// StepExecutionRecord is the persisted record of one step attempt.
// Created before the environment is spawned; immutable once the run
// moves on — step history is append-only, revisited steps get new
// records.
type StepExecutionRecord struct {
	// ID is the execution's unique identifier.
	ID string `json:"id"`

	// RunID is the parent run.
	RunID string `json:"run_id"`

	// StepName is the definition step this attempt executed.
	StepName string `json:"step_name"`

	// Index is the run-wide attempt number (WorkflowRun.StepIndex at
	// the time of execution).
	Index int `json:"index"`

	// Status is the attempt outcome.
	Status StepStatus `json:"status"`

	// Prompt is the fully interpolated prompt sent to the agent.
	Prompt string `json:"prompt,omitempty"`

	// Output is the captured stdout of the step command.
	Output string `json:"output,omitempty"`

	// Error is the failure reason when Status is failed.
	Error string `json:"error,omitempty"`

	// EnvironmentID is the runtime handle of the container this
	// attempt ran in. Empty when the step failed before spawning.
	EnvironmentID string `json:"environment_id,omitempty"`

	// RequestedTools, AllowedTools, DeniedTools record the tool gate
	// outcome for this attempt. AllowedTools holds normalized
	// Base:sub forms.
	RequestedTools []string `json:"requested_tools,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	DeniedTools    []string `json:"denied_tools,omitempty"`

	// Cost is the monetary cost of this attempt (recorded even on
	// failure).
	Cost float64 `json:"cost"`

	// Duration is the attempt's wall-clock time.
	Duration time.Duration `json:"duration"`

	// StartedAt and CompletedAt bound the attempt.
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Validate checks required record fields.
func (r *StepExecutionRecord) Validate() error {
	if r.ID == "" {
		return errors.New("step record: id is required")
	}
	if r.RunID == "" {
		return errors.New("step record: run_id is required")
	}
	if r.StepName == "" {
		return errors.New("step record: step_name is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("step record: unknown status %q", r.Status)
	}
	return nil
}

// ToolAuditRecord is the persisted outcome of one batch tool
// validation, attached to a step execution record. Every batch
// validation produces one, whether or not any tool was denied.
type ToolAuditRecord struct {
	// ID is the audit record's unique identifier.
	ID string `json:"id"`

	// RunID and ExecutionID tie the audit to a step attempt. Both are
	// empty for standalone pre-flight validations.
	RunID       string `json:"run_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`

	// Requested is the tool list as submitted.
	Requested []string `json:"requested"`

	// Allowed holds the normalized Base:sub forms that passed.
	Allowed []string `json:"allowed,omitempty"`

	// Denied holds the submitted forms that were rejected.
	Denied []string `json:"denied,omitempty"`

	// Risks maps each requested tool to its resolved risk level
	// ("low", "medium", "high"); unknown tools are absent.
	Risks map[string]string `json:"risks,omitempty"`

	// Reasons maps each denied tool to its rejection reason.
	Reasons map[string]string `json:"reasons,omitempty"`

	// CreatedAt is when the validation ran.
	CreatedAt time.Time `json:"created_at"`
}

// BuildStatus is the lifecycle state of an image cache build.
type BuildStatus string

const (
	BuildPending   BuildStatus = "pending"
	BuildBuilding  BuildStatus = "building"
	BuildCompleted BuildStatus = "completed"
	BuildFailed    BuildStatus = "failed"
)

// Valid reports whether s is a known build status.
func (s BuildStatus) Valid() bool {
	switch s {
	case BuildPending, BuildBuilding, BuildCompleted, BuildFailed:
		return true
	}
	return false
}

// ImageCacheEntry records one built, reusable step environment keyed
// by its dependency fingerprint. Created on first build, updated on
// every reuse, deleted on eviction or base-image invalidation.
type ImageCacheEntry struct {
	// ID is the entry's unique identifier.
	ID string `json:"id"`

	// Fingerprint is the content hash of the dependency set (see
	// imagecache.Fingerprint).
	Fingerprint string `json:"fingerprint"`

	// Reference is the built image tag.
	Reference string `json:"reference"`

	// BaseImage is the image the layers were built on; used by
	// InvalidateByBaseImage.
	BaseImage string `json:"base_image"`

	// Dependencies is the flattened, sorted "ecosystem:package" list
	// the image was built with, kept for display and debugging.
	Dependencies []string `json:"dependencies,omitempty"`

	// SizeBytes is the built image size, when known.
	SizeBytes int64 `json:"size_bytes,omitempty"`

	// Status tracks the build lifecycle.
	Status BuildStatus `json:"status"`

	// BuildLog accumulates build output lines, appended across status
	// transitions.
	BuildLog []string `json:"build_log,omitempty"`

	// Hits counts reuses of this entry.
	Hits int64 `json:"hits"`

	// CreatedAt is when the entry was first recorded; LastUsedAt is
	// bumped on every hit.
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitzero"`
}

// LogEntry is one persisted log line for a run. Seq is assigned by
// the log store on append and is strictly increasing per run; the
// streaming transport uses it as the causal cut between snapshot and
// live events.
type LogEntry struct {
	// Seq is the store-assigned sequence number, starting at 1.
	Seq uint64 `json:"seq"`

	// Level is "info", "warn", or "error".
	Level string `json:"level"`

	// Message is the log line text.
	Message string `json:"message"`

	// Step is the step name that produced the line, when applicable.
	Step string `json:"step,omitempty"`

	// Timestamp is when the line was produced.
	Timestamp time.Time `json:"timestamp"`
}
