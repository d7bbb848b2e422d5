// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the shared data model for the orchestration
// engine: workflow definitions, run and step execution records, tool
// audit records, image cache entries, and the closed event union
// published on the per-run event bus.
//
// Definitions are external input — authored as JSONC files (see
// lib/workflowdef) or submitted directly — and are validated once at
// submission time. Runtime records (WorkflowRun, StepExecutionRecord,
// ToolAuditRecord, ImageCacheEntry) are persisted through lib/store.
// Events are ephemeral: they exist only on the bus and on the wire;
// run history is reconstructed from records and logs, never from
// replaying events.
package schema
