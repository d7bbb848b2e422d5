// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/drover-works/drover/lib/schema"
)

// apiClient talks to a droverd daemon over its HTTP API.
type apiClient struct {
	base string
	conn *http.Client
}

func newAPIClient(server string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(server, "/"),
		conn: &http.Client{Timeout: 30 * time.Second},
	}
}

// streamURL converts the server's HTTP base into the run's websocket
// stream endpoint.
func (c *apiClient) streamURL(runID string) string {
	ws := c.base
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/v1/runs/" + url.PathEscape(runID) + "/stream"
}

func (c *apiClient) submitRun(ctx context.Context, workflow string, vars map[string]any, budget *float64) (*schema.WorkflowRun, error) {
	payload := map[string]any{"workflow": workflow}
	if len(vars) > 0 {
		payload["context"] = vars
	}
	if budget != nil {
		payload["budget_limit"] = *budget
	}
	var run schema.WorkflowRun
	if err := c.do(ctx, http.MethodPost, "/v1/runs", payload, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *apiClient) listRuns(ctx context.Context, status string, limit int) ([]schema.WorkflowRun, error) {
	path := fmt.Sprintf("/v1/runs?limit=%d", limit)
	if status != "" {
		path += "&status=" + url.QueryEscape(status)
	}
	var runs []schema.WorkflowRun
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (c *apiClient) getRun(ctx context.Context, runID string) (*schema.WorkflowRun, error) {
	var run schema.WorkflowRun
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *apiClient) lifecycle(ctx context.Context, runID, operation string) error {
	return c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/"+operation, nil, nil)
}

func (c *apiClient) listSteps(ctx context.Context, runID string) ([]schema.StepExecutionRecord, error) {
	var records []schema.StepExecutionRecord
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/steps", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *apiClient) tailLogs(ctx context.Context, runID string, n int) ([]schema.LogEntry, error) {
	path := fmt.Sprintf("/v1/runs/%s/logs?n=%d", url.PathEscape(runID), n)
	var entries []schema.LogEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *apiClient) listImages(ctx context.Context) ([]schema.ImageCacheEntry, error) {
	var entries []schema.ImageCacheEntry
	if err := c.do(ctx, http.MethodGet, "/v1/images", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *apiClient) invalidateImages(ctx context.Context, baseImage string) (int, error) {
	var result map[string]int
	payload := map[string]string{"base_image": baseImage}
	if err := c.do(ctx, http.MethodPost, "/v1/images/invalidate", payload, &result); err != nil {
		return 0, err
	}
	return result["deleted"], nil
}

// do issues one request and decodes the JSON response into out (when
// non-nil). Non-2xx responses surface the daemon's error message.
func (c *apiClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.conn.Do(request)
	if err != nil {
		return fmt.Errorf("contacting %s: %w", c.base, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 400 {
		var failure struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		if json.Unmarshal(data, &failure) == nil && failure.Error != "" {
			return fmt.Errorf("%s (%s)", failure.Error, response.Status)
		}
		return fmt.Errorf("server returned %s", response.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
