// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package store defines the persistence interfaces for workflow runs,
// step execution records, tool audit records, image cache entries, and
// per-run logs, with two implementations: an in-memory store for tests
// and single-process use, and a SQLite store for durable state.
//
// The log store is append-only and assigns each entry a monotonically
// increasing per-run sequence number. The streaming transport uses
// that sequence as a causal cut: an attach snapshot reports the
// highest sequence it contains, and live log events at or below it are
// filtered out so an observer never sees a log line twice.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/drover-works/drover/lib/schema"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// RunStore persists workflow runs.
type RunStore interface {
	// CreateRun inserts a new run. The run's ID must be set.
	CreateRun(ctx context.Context, run *schema.WorkflowRun) error

	// GetRun returns the run with the given ID, or ErrNotFound.
	GetRun(ctx context.Context, id string) (*schema.WorkflowRun, error)

	// UpdateRun overwrites the stored run, or ErrNotFound.
	UpdateRun(ctx context.Context, run *schema.WorkflowRun) error

	// ListRuns returns runs, newest first, optionally filtered by
	// status ("" means all). limit <= 0 means no limit.
	ListRuns(ctx context.Context, status schema.RunStatus, limit int) ([]*schema.WorkflowRun, error)
}

// StepStore persists step execution records.
type StepStore interface {
	// CreateStepExecution inserts a new step record.
	CreateStepExecution(ctx context.Context, record *schema.StepExecutionRecord) error

	// UpdateStepExecution overwrites the stored record, or ErrNotFound.
	UpdateStepExecution(ctx context.Context, record *schema.StepExecutionRecord) error

	// ListStepExecutions returns a run's step records in execution
	// order (by Index).
	ListStepExecutions(ctx context.Context, runID string) ([]*schema.StepExecutionRecord, error)
}

// AuditStore persists tool validation audit records.
type AuditStore interface {
	// AppendToolAudit records one tool validation batch.
	AppendToolAudit(ctx context.Context, record *schema.ToolAuditRecord) error

	// ListToolAudits returns a run's audit records in creation order.
	ListToolAudits(ctx context.Context, runID string) ([]*schema.ToolAuditRecord, error)
}

// ImageStore persists image cache entries, keyed by dependency
// fingerprint. Concurrent builds of the same fingerprint resolve
// last-writer-wins at PutImage.
type ImageStore interface {
	// GetImageByFingerprint returns the entry for a fingerprint, or
	// ErrNotFound.
	GetImageByFingerprint(ctx context.Context, fingerprint string) (*schema.ImageCacheEntry, error)

	// PutImage inserts or replaces the entry for its fingerprint.
	PutImage(ctx context.Context, entry *schema.ImageCacheEntry) error

	// TouchImage increments the hit count and sets last-used, or
	// ErrNotFound.
	TouchImage(ctx context.Context, fingerprint string, lastUsed time.Time) error

	// ListImages returns all entries, most recently used first.
	ListImages(ctx context.Context) ([]*schema.ImageCacheEntry, error)

	// DeleteImagesByBase removes every entry built on the given base
	// image and returns how many were removed.
	DeleteImagesByBase(ctx context.Context, baseImage string) (int, error)
}

// LogStore is the append-only per-run log.
type LogStore interface {
	// AppendLog stores entry for the run and returns its assigned
	// sequence number (1-based, monotonically increasing per run).
	// The entry's Seq field is ignored on input.
	AppendLog(ctx context.Context, runID string, entry *schema.LogEntry) (uint64, error)

	// TailLogs returns the last n entries for the run in sequence
	// order. n <= 0 means all.
	TailLogs(ctx context.Context, runID string, n int) ([]schema.LogEntry, error)

	// LastSeq returns the highest assigned sequence for the run, or 0
	// when the run has no logs.
	LastSeq(ctx context.Context, runID string) (uint64, error)
}

// Store aggregates all persistence interfaces behind one handle.
type Store interface {
	RunStore
	StepStore
	AuditStore
	ImageStore
	LogStore

	// Close releases the store's resources.
	Close() error
}
