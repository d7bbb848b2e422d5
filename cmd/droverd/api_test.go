// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/drover-works/drover/engine"
	"github.com/drover-works/drover/imagecache"
	"github.com/drover-works/drover/lib/clock"
	"github.com/drover-works/drover/lib/schema"
	"github.com/drover-works/drover/lib/store"
	"github.com/drover-works/drover/stream"
	"github.com/drover-works/drover/toolgate"
)

const sampleWorkflow = `{
	// Minimal single-step workflow for API tests.
	"name": "echo",
	"steps": [
		{"name": "only", "prompt": "say ${greeting}", "output_var": "said"},
	],
}`

// stubExecutor completes every step immediately.
type stubExecutor struct{}

func (stubExecutor) ExecuteStep(_ context.Context, _ *schema.WorkflowRun, _ *schema.StepDefinition, _ *schema.StepExecutionRecord, _ engine.EmitFunc) *engine.Outcome {
	return &engine.Outcome{Output: "hi", Cost: 1}
}

type apiFixture struct {
	mux *http.ServeMux
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	workflows := t.TempDir()
	if err := os.WriteFile(filepath.Join(workflows, "echo.jsonc"), []byte(sampleWorkflow), 0o644); err != nil {
		t.Fatalf("writing workflow: %v", err)
	}

	memory := store.NewMemory()
	bus := stream.NewBus(nil)
	clk := clock.Real()
	logger := slog.New(slog.DiscardHandler)

	eng := engine.New(memory, bus, stubExecutor{}, engine.Config{}, clk, logger, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(eng.Close)
	t.Cleanup(cancel)
	eng.Start(ctx)

	cache := imagecache.New(memory, nopBuilder{}, clk, logger, t.TempDir())
	handlers := newAPI(eng, memory, cache, toolgate.DefaultRegistry(), workflows, logger)

	observer := stream.NewServer(memory, bus, clk, stream.Config{
		HeartbeatInterval: 15 * time.Second,
		ProgressThrottle:  time.Second,
		TerminalLinger:    2 * time.Second,
		SnapshotLogs:      50,
	}, logger)

	return &apiFixture{mux: handlers.routes(observer)}
}

type nopBuilder struct{}

func (nopBuilder) Build(_ context.Context, _, _ string, lines chan<- string) error {
	close(lines)
	return nil
}

func (nopBuilder) ImageSize(context.Context, string) int64 { return 0 }

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	recorder := httptest.NewRecorder()
	f.mux.ServeHTTP(recorder, request)
	return recorder
}

// awaitStatus polls the run endpoint until the run reaches status.
func (f *apiFixture) awaitStatus(t *testing.T, runID string, status schema.RunStatus) *schema.WorkflowRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		recorder := f.do(t, http.MethodGet, "/v1/runs/"+runID, "")
		if recorder.Code != http.StatusOK {
			t.Fatalf("get run: status %d", recorder.Code)
		}
		var run schema.WorkflowRun
		if err := json.Unmarshal(recorder.Body.Bytes(), &run); err != nil {
			t.Fatalf("decoding run: %v", err)
		}
		if run.Status == status {
			return &run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, status)
	return nil
}

func TestSubmitRunLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	recorder := f.do(t, http.MethodPost, "/v1/runs",
		`{"workflow": "echo", "context": {"greeting": "hello"}}`)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("submit: status %d: %s", recorder.Code, recorder.Body)
	}
	var run schema.WorkflowRun
	if err := json.Unmarshal(recorder.Body.Bytes(), &run); err != nil {
		t.Fatalf("decoding run: %v", err)
	}
	if run.ID == "" || run.Workflow != "echo" {
		t.Fatalf("run = %+v", run)
	}

	completed := f.awaitStatus(t, run.ID, schema.RunCompleted)
	if completed.State["said"] != "hi" {
		t.Errorf("state = %v", completed.State)
	}
	if completed.Cost != 1 {
		t.Errorf("cost = %g", completed.Cost)
	}

	// Step records, logs, and the tool audit are all queryable.
	recorder = f.do(t, http.MethodGet, "/v1/runs/"+run.ID+"/steps", "")
	var records []schema.StepExecutionRecord
	if err := json.Unmarshal(recorder.Body.Bytes(), &records); err != nil {
		t.Fatalf("decoding steps: %v", err)
	}
	if len(records) != 1 || records[0].Prompt != "say hello" {
		t.Errorf("records = %+v", records)
	}

	recorder = f.do(t, http.MethodGet, "/v1/runs/"+run.ID+"/logs", "")
	var entries []schema.LogEntry
	if err := json.Unmarshal(recorder.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decoding logs: %v", err)
	}
	if len(entries) == 0 {
		t.Error("no log entries recorded")
	}

	recorder = f.do(t, http.MethodGet, "/v1/runs/"+run.ID+"/audits", "")
	var audits []schema.ToolAuditRecord
	if err := json.Unmarshal(recorder.Body.Bytes(), &audits); err != nil {
		t.Fatalf("decoding audits: %v", err)
	}
	if len(audits) != 1 {
		t.Errorf("audits = %d, want 1", len(audits))
	}

	// Terminal runs reject lifecycle operations.
	recorder = f.do(t, http.MethodPost, "/v1/runs/"+run.ID+"/pause", "")
	if recorder.Code != http.StatusConflict {
		t.Errorf("pause terminal run: status %d", recorder.Code)
	}

	recorder = f.do(t, http.MethodGet, "/v1/runs?status=completed", "")
	var runs []schema.WorkflowRun
	if err := json.Unmarshal(recorder.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decoding runs: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("completed runs = %d, want 1", len(runs))
	}
}

func TestSubmitRejections(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"workflow": `, http.StatusBadRequest},
		{"missing workflow", `{}`, http.StatusBadRequest},
		{"unknown workflow", `{"workflow": "missing"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := f.do(t, http.MethodPost, "/v1/runs", tc.body)
			if recorder.Code != tc.want {
				t.Errorf("status = %d, want %d: %s", recorder.Code, tc.want, recorder.Body)
			}
		})
	}
}

func TestRunEndpointsNotFound(t *testing.T) {
	f := newAPIFixture(t)

	recorder := f.do(t, http.MethodGet, "/v1/runs/missing", "")
	if recorder.Code != http.StatusNotFound {
		t.Errorf("get: status %d", recorder.Code)
	}
	recorder = f.do(t, http.MethodPost, "/v1/runs/missing/cancel", "")
	if recorder.Code != http.StatusNotFound {
		t.Errorf("cancel: status %d", recorder.Code)
	}
	recorder = f.do(t, http.MethodGet, "/v1/runs/missing/stream", "")
	if recorder.Code != http.StatusNotFound {
		t.Errorf("stream: status %d", recorder.Code)
	}
}

func TestListTools(t *testing.T) {
	f := newAPIFixture(t)

	recorder := f.do(t, http.MethodGet, "/v1/tools", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	var listings []toolListing
	if err := json.Unmarshal(recorder.Body.Bytes(), &listings); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(listings) != len(toolgate.DefaultCapabilities()) {
		t.Errorf("listings = %d", len(listings))
	}
	byName := make(map[string]toolListing)
	for _, listing := range listings {
		byName[listing.Name] = listing
	}
	if !byName["Read"].Default || byName["Read"].Risk != "low" {
		t.Errorf("Read = %+v", byName["Read"])
	}
	if byName["Bash"].Default || byName["Bash"].Risk != "high" {
		t.Errorf("Bash = %+v", byName["Bash"])
	}
}

func TestInvalidateImages(t *testing.T) {
	f := newAPIFixture(t)

	recorder := f.do(t, http.MethodPost, "/v1/images/invalidate", `{}`)
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("missing base_image: status %d", recorder.Code)
	}

	recorder = f.do(t, http.MethodPost, "/v1/images/invalidate", `{"base_image": "ubuntu:24.04"}`)
	if recorder.Code != http.StatusOK {
		t.Errorf("invalidate: status %d", recorder.Code)
	}
	var result map[string]int
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if result["deleted"] != 0 {
		t.Errorf("deleted = %d, want 0", result["deleted"])
	}
}
