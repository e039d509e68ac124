// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clients implements the engine's collaborator interfaces over HTTP
// against the platform services: the model registry, the fleet registry, the
// traffic router, and the per-robot command channel.
//
// Every client takes its base URL from configuration and honors the caller's
// context for cancellation and timeout. Responses other than 2xx are errors
// carrying the upstream status and body.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/robofleet/RoboFleet/services/canary/datatypes"
)

// defaultTimeout bounds a single upstream call when the caller's context has
// no earlier deadline. Robot deploy commands are the slow path (model
// download and activation happen robot-side), so this is generous.
const defaultTimeout = 60 * time.Second

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// doJSON executes a request and decodes a JSON response into out (when out
// is non-nil). Returns the status code so callers can special-case 404.
func doJSON(ctx context.Context, client *http.Client, method, rawURL string, payload, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(buf)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// =============================================================================
// Model Registry
// =============================================================================

// ModelRegistryClient checks model version deployability against the model
// registry service.
type ModelRegistryClient struct {
	baseURL string
	client  *http.Client
}

// NewModelRegistryClient creates a client for the given base URL.
func NewModelRegistryClient(baseURL string, timeout time.Duration) *ModelRegistryClient {
	return &ModelRegistryClient{baseURL: baseURL, client: newHTTPClient(timeout)}
}

// IsDeployable reports whether the model version exists and is in staging
// status. An unknown version is not an error; it is simply not deployable.
func (m *ModelRegistryClient) IsDeployable(ctx context.Context, modelVersionID string) (bool, error) {
	var version struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	u := fmt.Sprintf("%s/v1/model-versions/%s", m.baseURL, url.PathEscape(modelVersionID))
	status, err := doJSON(ctx, m.client, http.MethodGet, u, nil, &version)
	if status == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("model registry lookup: %w", err)
	}
	return version.Status == "staging", nil
}

// =============================================================================
// Fleet Registry
// =============================================================================

// FleetRegistryClient reads current fleet membership.
type FleetRegistryClient struct {
	baseURL string
	client  *http.Client
}

// NewFleetRegistryClient creates a client for the given base URL.
func NewFleetRegistryClient(baseURL string, timeout time.Duration) *FleetRegistryClient {
	return &FleetRegistryClient{baseURL: baseURL, client: newHTTPClient(timeout)}
}

// ListRobots returns every robot known to the fleet registry, including
// offline ones. Target resolution filters by status.
func (f *FleetRegistryClient) ListRobots(ctx context.Context) ([]datatypes.Robot, error) {
	var payload struct {
		Robots []datatypes.Robot `json:"robots"`
	}
	u := f.baseURL + "/v1/robots"
	if _, err := doJSON(ctx, f.client, http.MethodGet, u, nil, &payload); err != nil {
		return nil, fmt.Errorf("fleet registry list: %w", err)
	}
	return payload.Robots, nil
}

// =============================================================================
// Traffic Router
// =============================================================================

// TrafficRouterClient pushes traffic split directives to the inference
// router.
type TrafficRouterClient struct {
	baseURL string
	client  *http.Client
}

// NewTrafficRouterClient creates a client for the given base URL.
func NewTrafficRouterClient(baseURL string, timeout time.Duration) *TrafficRouterClient {
	return &TrafficRouterClient{baseURL: baseURL, client: newHTTPClient(timeout)}
}

// SetSplit tells the router the authoritative percentage and target set for
// a model version. A zero percentage with no robots reverts all traffic.
func (t *TrafficRouterClient) SetSplit(ctx context.Context, modelVersionID string, trafficPercentage int, robotIDs []string) error {
	payload := struct {
		ModelVersionID    string   `json:"modelVersionId"`
		TrafficPercentage int      `json:"trafficPercentage"`
		TargetRobotIDs    []string `json:"targetRobotIds"`
	}{
		ModelVersionID:    modelVersionID,
		TrafficPercentage: trafficPercentage,
		TargetRobotIDs:    robotIDs,
	}
	u := t.baseURL + "/v1/traffic/split"
	if _, err := doJSON(ctx, t.client, http.MethodPut, u, payload, nil); err != nil {
		return fmt.Errorf("traffic split directive: %w", err)
	}
	return nil
}

// =============================================================================
// Robot Commander
// =============================================================================

// RobotCommanderClient sends deploy and revert commands to individual robots
// through the fleet gateway.
type RobotCommanderClient struct {
	baseURL string
	client  *http.Client
}

// NewRobotCommanderClient creates a client for the given base URL.
func NewRobotCommanderClient(baseURL string, timeout time.Duration) *RobotCommanderClient {
	return &RobotCommanderClient{baseURL: baseURL, client: newHTTPClient(timeout)}
}

// Deploy instructs one robot to download and activate a model version. The
// call blocks until the robot confirms or rejects; retry is the worker
// pool's job, not the client's.
func (r *RobotCommanderClient) Deploy(ctx context.Context, robotID, modelVersionID string) error {
	payload := struct {
		ModelVersionID string `json:"modelVersionId"`
	}{ModelVersionID: modelVersionID}
	u := fmt.Sprintf("%s/v1/robots/%s/commands/deploy", r.baseURL, url.PathEscape(robotID))
	if _, err := doJSON(ctx, r.client, http.MethodPost, u, payload, nil); err != nil {
		return fmt.Errorf("deploy command to robot %s: %w", robotID, err)
	}
	return nil
}

// Revert instructs one robot to return to its previous model version.
func (r *RobotCommanderClient) Revert(ctx context.Context, robotID string) error {
	u := fmt.Sprintf("%s/v1/robots/%s/commands/revert", r.baseURL, url.PathEscape(robotID))
	if _, err := doJSON(ctx, r.client, http.MethodPost, u, struct{}{}, nil); err != nil {
		return fmt.Errorf("revert command to robot %s: %w", robotID, err)
	}
	return nil
}
