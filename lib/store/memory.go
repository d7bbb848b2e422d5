// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drover-works/drover/lib/schema"
)

// Memory is an in-memory Store. Used by tests and by droverd when no
// database path is configured. Values are copied on the way in and
// out so callers never share mutable state with the store.
type Memory struct {
	mu      sync.Mutex
	runs    map[string]*schema.WorkflowRun
	runSeq  []string // insertion order, for ListRuns newest-first
	steps   map[string][]*schema.StepExecutionRecord // by run ID
	audits  map[string][]*schema.ToolAuditRecord     // by run ID
	images  map[string]*schema.ImageCacheEntry       // by fingerprint
	logs    map[string][]schema.LogEntry             // by run ID
	lastSeq map[string]uint64                        // by run ID
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:    make(map[string]*schema.WorkflowRun),
		steps:   make(map[string][]*schema.StepExecutionRecord),
		audits:  make(map[string][]*schema.ToolAuditRecord),
		images:  make(map[string]*schema.ImageCacheEntry),
		logs:    make(map[string][]schema.LogEntry),
		lastSeq: make(map[string]uint64),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) CreateRun(_ context.Context, run *schema.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := copyRun(run)
	m.runs[run.ID] = copied
	m.runSeq = append(m.runSeq, run.ID)
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*schema.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(run), nil
}

func (m *Memory) UpdateRun(_ context.Context, run *schema.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return ErrNotFound
	}
	m.runs[run.ID] = copyRun(run)
	return nil
}

func (m *Memory) ListRuns(_ context.Context, status schema.RunStatus, limit int) ([]*schema.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*schema.WorkflowRun
	for i := len(m.runSeq) - 1; i >= 0; i-- {
		run := m.runs[m.runSeq[i]]
		if status != "" && run.Status != status {
			continue
		}
		result = append(result, copyRun(run))
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) CreateStepExecution(_ context.Context, record *schema.StepExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *record
	m.steps[record.RunID] = append(m.steps[record.RunID], &copied)
	return nil
}

func (m *Memory) UpdateStepExecution(_ context.Context, record *schema.StepExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.steps[record.RunID] {
		if existing.ID == record.ID {
			copied := *record
			m.steps[record.RunID][i] = &copied
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ListStepExecutions(_ context.Context, runID string) ([]*schema.StepExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.steps[runID]
	result := make([]*schema.StepExecutionRecord, len(records))
	for i, record := range records {
		copied := *record
		result[i] = &copied
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result, nil
}

func (m *Memory) AppendToolAudit(_ context.Context, record *schema.ToolAuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *record
	m.audits[record.RunID] = append(m.audits[record.RunID], &copied)
	return nil
}

func (m *Memory) ListToolAudits(_ context.Context, runID string) ([]*schema.ToolAuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.audits[runID]
	result := make([]*schema.ToolAuditRecord, len(records))
	for i, record := range records {
		copied := *record
		result[i] = &copied
	}
	return result, nil
}

func (m *Memory) GetImageByFingerprint(_ context.Context, fingerprint string) (*schema.ImageCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.images[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *entry
	return &copied, nil
}

func (m *Memory) PutImage(_ context.Context, entry *schema.ImageCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *entry
	m.images[entry.Fingerprint] = &copied
	return nil
}

func (m *Memory) TouchImage(_ context.Context, fingerprint string, lastUsed time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.images[fingerprint]
	if !ok {
		return ErrNotFound
	}
	entry.Hits++
	entry.LastUsedAt = lastUsed
	return nil
}

func (m *Memory) ListImages(_ context.Context) ([]*schema.ImageCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*schema.ImageCacheEntry, 0, len(m.images))
	for _, entry := range m.images {
		copied := *entry
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastUsedAt.After(result[j].LastUsedAt)
	})
	return result, nil
}

func (m *Memory) DeleteImagesByBase(_ context.Context, baseImage string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for fingerprint, entry := range m.images {
		if entry.BaseImage == baseImage {
			delete(m.images, fingerprint)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) AppendLog(_ context.Context, runID string, entry *schema.LogEntry) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSeq[runID]++
	seq := m.lastSeq[runID]

	stored := *entry
	stored.Seq = seq
	m.logs[runID] = append(m.logs[runID], stored)
	return seq, nil
}

func (m *Memory) TailLogs(_ context.Context, runID string, n int) ([]schema.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.logs[runID]
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	result := make([]schema.LogEntry, len(entries))
	copy(result, entries)
	return result, nil
}

func (m *Memory) LastSeq(_ context.Context, runID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeq[runID], nil
}

func (m *Memory) Close() error { return nil }

// copyRun deep-copies the run's maps so callers and the store never
// alias.
func copyRun(run *schema.WorkflowRun) *schema.WorkflowRun {
	copied := *run
	if run.Context != nil {
		copied.Context = make(map[string]any, len(run.Context))
		for k, v := range run.Context {
			copied.Context[k] = v
		}
	}
	if run.State != nil {
		copied.State = make(map[string]any, len(run.State))
		for k, v := range run.State {
			copied.State[k] = v
		}
	}
	if run.BudgetLimit != nil {
		limit := *run.BudgetLimit
		copied.BudgetLimit = &limit
	}
	return &copied
}
