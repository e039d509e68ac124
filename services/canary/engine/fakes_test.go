// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/robofleet/RoboFleet/services/canary/datatypes"
	"github.com/robofleet/RoboFleet/services/canary/observability"
)

var (
	metricsOnce   sync.Once
	sharedMetrics *observability.Metrics
)

// testMetrics returns the package's shared collector set. Prometheus
// collectors register on the global registry, so tests share one instance
// and assert on observation deltas.
func testMetrics() *observability.Metrics {
	metricsOnce.Do(func() { sharedMetrics = observability.InitMetrics() })
	return sharedMetrics
}

// fakeRegistry is an in-memory Registry with the same optimistic concurrency
// contract as the BadgerDB implementation.
type fakeRegistry struct {
	mu          sync.Mutex
	deployments map[string]*datatypes.Deployment
	records     []datatypes.RobotRecord
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{deployments: make(map[string]*datatypes.Deployment)}
}

func (r *fakeRegistry) SaveDeployment(ctx context.Context, d *datatypes.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stored, ok := r.deployments[d.ID]; ok && stored.Revision != d.Revision {
		return fmt.Errorf("revision conflict: have %d, stored %d", d.Revision, stored.Revision)
	}
	d.Revision++
	r.deployments[d.ID] = d.Clone()
	return nil
}

func (r *fakeRegistry) GetDeployment(ctx context.Context, id string) (*datatypes.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d.Clone(), nil
}

func (r *fakeRegistry) ListDeployments(ctx context.Context, status datatypes.DeploymentStatus) ([]*datatypes.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*datatypes.Deployment
	for _, d := range r.deployments {
		if status == "" || d.Status == status {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

func (r *fakeRegistry) AppendRobotRecord(ctx context.Context, rec datatypes.RobotRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *fakeRegistry) ListRobotRecords(ctx context.Context, deploymentID string) ([]datatypes.RobotRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []datatypes.RobotRecord
	for _, rec := range r.records {
		if rec.DeploymentID == deploymentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// fakeCommander scripts per-robot deploy behavior: failBefore[n] attempts
// fail before one succeeds; alwaysFail robots never succeed.
type fakeCommander struct {
	mu         sync.Mutex
	failBefore map[string]int
	alwaysFail map[string]bool
	deploys    map[string]int
	reverts    map[string]int
	revertErr  map[string]bool
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{
		failBefore: make(map[string]int),
		alwaysFail: make(map[string]bool),
		deploys:    make(map[string]int),
		reverts:    make(map[string]int),
		revertErr:  make(map[string]bool),
	}
}

func (c *fakeCommander) Deploy(ctx context.Context, robotID, modelVersionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deploys[robotID]++
	if c.alwaysFail[robotID] {
		return fmt.Errorf("robot %s rejected deploy", robotID)
	}
	if c.failBefore[robotID] > 0 {
		c.failBefore[robotID]--
		return fmt.Errorf("robot %s transient failure", robotID)
	}
	return nil
}

func (c *fakeCommander) Revert(ctx context.Context, robotID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reverts[robotID]++
	if c.revertErr[robotID] {
		return fmt.Errorf("robot %s unreachable", robotID)
	}
	return nil
}

func (c *fakeCommander) deployCount(robotID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deploys[robotID]
}

func (c *fakeCommander) revertCount(robotID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reverts[robotID]
}

// fakeModels reports a fixed deployability set.
type fakeModels struct {
	deployable map[string]bool
}

func (m *fakeModels) IsDeployable(ctx context.Context, modelVersionID string) (bool, error) {
	return m.deployable[modelVersionID], nil
}

type splitCall struct {
	modelVersionID string
	percentage     int
	robotIDs       []string
}

// fakeRouter records traffic split directives.
type fakeRouter struct {
	mu    sync.Mutex
	calls []splitCall
}

func (r *fakeRouter) SetSplit(ctx context.Context, modelVersionID string, trafficPercentage int, robotIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, splitCall{modelVersionID, trafficPercentage, append([]string(nil), robotIDs...)})
	return nil
}

func (r *fakeRouter) lastCall() (splitCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return splitCall{}, false
	}
	return r.calls[len(r.calls)-1], true
}
