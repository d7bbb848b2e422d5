// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/drover-works/drover/engine"
	"github.com/drover-works/drover/imagecache"
	"github.com/drover-works/drover/lib/schema"
	"github.com/drover-works/drover/lib/store"
	"github.com/drover-works/drover/lib/workflowdef"
	"github.com/drover-works/drover/toolgate"
)

// api serves the run management endpoints. The live observer endpoint
// is mounted alongside it in routes.
type api struct {
	engine    *engine.Engine
	store     store.Store
	cache     *imagecache.Cache
	registry  *toolgate.Registry
	workflows string
	logger    *slog.Logger
}

func newAPI(eng *engine.Engine, st store.Store, cache *imagecache.Cache, registry *toolgate.Registry, workflowsDir string, logger *slog.Logger) *api {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &api{
		engine:    eng,
		store:     st,
		cache:     cache,
		registry:  registry,
		workflows: workflowsDir,
		logger:    logger,
	}
}

// routes builds the daemon's HTTP mux. observer handles the
// per-run websocket stream.
func (a *api) routes(observer http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /v1/runs", a.submitRun)
	mux.HandleFunc("GET /v1/runs", a.listRuns)
	mux.HandleFunc("GET /v1/runs/{run}", a.getRun)
	mux.HandleFunc("POST /v1/runs/{run}/pause", a.lifecycle(a.engine.Pause))
	mux.HandleFunc("POST /v1/runs/{run}/resume", a.lifecycle(a.engine.Resume))
	mux.HandleFunc("POST /v1/runs/{run}/cancel", a.lifecycle(a.engine.Cancel))
	mux.HandleFunc("GET /v1/runs/{run}/steps", a.listSteps)
	mux.HandleFunc("GET /v1/runs/{run}/logs", a.tailLogs)
	mux.HandleFunc("GET /v1/runs/{run}/audits", a.listAudits)
	mux.Handle("GET /v1/runs/{run}/stream", observer)

	mux.HandleFunc("GET /v1/images", a.listImages)
	mux.HandleFunc("POST /v1/images/invalidate", a.invalidateImages)
	mux.HandleFunc("GET /v1/tools", a.listTools)
	return mux
}

// submitPayload is the POST /v1/runs request body.
type submitPayload struct {
	// Workflow is the definition name resolved against the workflows
	// directory, or a direct file path.
	Workflow string `json:"workflow"`

	// Context provides variable values for the run.
	Context map[string]any `json:"context,omitempty"`

	// BudgetLimit is the run's cost ceiling. Omitted means the
	// engine's configured default.
	BudgetLimit *float64 `json:"budget_limit,omitempty"`
}

func (a *api) submitRun(w http.ResponseWriter, r *http.Request) {
	var payload submitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if payload.Workflow == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("workflow is required"))
		return
	}

	definition, err := workflowdef.Load(a.workflows, payload.Workflow)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	run, err := a.engine.Submit(r.Context(), engine.SubmitRequest{
		Definition:  definition,
		Context:     payload.Context,
		BudgetLimit: payload.BudgetLimit,
	})
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, run)
}

func (a *api) listRuns(w http.ResponseWriter, r *http.Request) {
	status := schema.RunStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", status))
		return
	}
	limit := queryInt(r, "limit", 50)

	runs, err := a.engine.ListRuns(r.Context(), status, limit)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, runs)
}

func (a *api) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.engine.GetRun(r.Context(), r.PathValue("run"))
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, run)
}

// lifecycle adapts the engine's pause/resume/cancel operations to
// handlers: 204 on success, mapped status on failure.
func (a *api) lifecycle(operation func(ctx context.Context, runID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := operation(r.Context(), r.PathValue("run")); err != nil {
			a.writeFailure(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *api) listSteps(w http.ResponseWriter, r *http.Request) {
	records, err := a.store.ListStepExecutions(r.Context(), r.PathValue("run"))
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, records)
}

func (a *api) tailLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := a.store.TailLogs(r.Context(), r.PathValue("run"), queryInt(r, "n", 100))
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, entries)
}

func (a *api) listAudits(w http.ResponseWriter, r *http.Request) {
	audits, err := a.store.ListToolAudits(r.Context(), r.PathValue("run"))
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, audits)
}

func (a *api) listImages(w http.ResponseWriter, r *http.Request) {
	entries, err := a.cache.Entries(r.Context())
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, entries)
}

func (a *api) invalidateImages(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		BaseImage string `json:"base_image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if payload.BaseImage == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("base_image is required"))
		return
	}

	deleted, err := a.cache.InvalidateByBaseImage(r.Context(), payload.BaseImage)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// toolListing is one GET /v1/tools entry.
type toolListing struct {
	Name        string `json:"name"`
	Risk        string `json:"risk"`
	Description string `json:"description,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

func (a *api) listTools(w http.ResponseWriter, _ *http.Request) {
	defaults := make(map[string]bool)
	for _, name := range toolgate.DefaultTools() {
		defaults[name] = true
	}

	var listings []toolListing
	for _, name := range a.registry.Names() {
		capability, _ := a.registry.Lookup(name)
		listings = append(listings, toolListing{
			Name:        capability.Name,
			Risk:        capability.Risk.String(),
			Description: capability.Description,
			Default:     defaults[capability.Name],
		})
	}
	a.writeJSON(w, http.StatusOK, listings)
}

// writeFailure maps domain errors to status codes.
func (a *api) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		a.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, engine.ErrInvalidTransition):
		a.writeError(w, http.StatusConflict, err)
	case errors.Is(err, engine.ErrDefinitionInvalid):
		a.writeError(w, http.StatusUnprocessableEntity, err)
	default:
		a.writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *api) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "status", status, "error", err)
	}
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *api) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		a.logger.Error("response encoding failed", "error", err)
	}
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
