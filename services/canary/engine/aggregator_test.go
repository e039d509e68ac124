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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/robofleet/RoboFleet/services/canary/datatypes"
)

// TestSnapshotEmpty verifies a deployment with no samples yields a
// zero-sample result rather than an error.
func TestSnapshotEmpty(t *testing.T) {
	a := NewMetricsAggregator(10 * time.Minute)

	snap := a.Snapshot("dep-1")
	assert.Equal(t, "dep-1", snap.DeploymentID)
	assert.Zero(t, snap.SampleSize)
	assert.Zero(t, snap.ErrorRate)
}

// TestSnapshotAggregates verifies rates and percentiles over a known sample
// set.
func TestSnapshotAggregates(t *testing.T) {
	a := NewMetricsAggregator(10 * time.Minute)
	now := time.Now()
	a.now = func() time.Time { return now }

	// 100 samples: latencies 1..100ms, 10 errors, 90 task successes.
	for i := 1; i <= 100; i++ {
		a.Ingest("dep-1", datatypes.Sample{
			RobotID:       "r1",
			LatencyMs:     float64(i),
			IsError:       i <= 10,
			TaskSucceeded: i > 10,
			Timestamp:     now.Add(-time.Minute),
		})
	}

	snap := a.Snapshot("dep-1")
	assert.Equal(t, 100, snap.SampleSize)
	assert.InDelta(t, 0.10, snap.ErrorRate, 1e-9)
	assert.InDelta(t, 0.90, snap.TaskSuccessRate, 1e-9)
	assert.Equal(t, float64(50), snap.LatencyP50)
	assert.Equal(t, float64(95), snap.LatencyP95)
	assert.Equal(t, float64(99), snap.LatencyP99)
}

// TestSnapshotDropsExpiredSamples verifies samples outside the rolling
// window do not count.
func TestSnapshotDropsExpiredSamples(t *testing.T) {
	a := NewMetricsAggregator(10 * time.Minute)
	now := time.Now()
	a.now = func() time.Time { return now }

	a.Ingest("dep-1", datatypes.Sample{LatencyMs: 5, Timestamp: now.Add(-11 * time.Minute)})
	a.Ingest("dep-1", datatypes.Sample{LatencyMs: 7, Timestamp: now.Add(-time.Minute)})

	snap := a.Snapshot("dep-1")
	assert.Equal(t, 1, snap.SampleSize)
	assert.Equal(t, float64(7), snap.LatencyP50)
}

// TestSnapshotIsolatesDeployments verifies per-deployment buffers do not
// leak into each other.
func TestSnapshotIsolatesDeployments(t *testing.T) {
	a := NewMetricsAggregator(10 * time.Minute)
	now := time.Now()
	a.now = func() time.Time { return now }

	a.Ingest("dep-1", datatypes.Sample{LatencyMs: 5, IsError: true, Timestamp: now})
	a.Ingest("dep-2", datatypes.Sample{LatencyMs: 9, Timestamp: now})

	assert.InDelta(t, 1.0, a.Snapshot("dep-1").ErrorRate, 1e-9)
	assert.Zero(t, a.Snapshot("dep-2").ErrorRate)
}

// TestDropDiscardsBuffer verifies Drop removes a deployment's window.
func TestDropDiscardsBuffer(t *testing.T) {
	a := NewMetricsAggregator(10 * time.Minute)
	now := time.Now()
	a.now = func() time.Time { return now }

	a.Ingest("dep-1", datatypes.Sample{LatencyMs: 5, Timestamp: now})
	a.Drop("dep-1")

	assert.Zero(t, a.Snapshot("dep-1").SampleSize)
}

// TestIngestCompaction verifies the periodic compaction keeps the buffer
// bounded when old samples continuously expire.
func TestIngestCompaction(t *testing.T) {
	a := NewMetricsAggregator(time.Minute)
	now := time.Now()
	a.now = func() time.Time { return now }

	// Thousands of already-expired samples plus a few live ones.
	for i := 0; i < 5000; i++ {
		a.Ingest("dep-1", datatypes.Sample{LatencyMs: 1, Timestamp: now.Add(-time.Hour)})
	}
	for i := 0; i < 3; i++ {
		a.Ingest("dep-1", datatypes.Sample{LatencyMs: 2, Timestamp: now})
	}

	snap := a.Snapshot("dep-1")
	assert.Equal(t, 3, snap.SampleSize)

	a.mu.RLock()
	buf := a.buffers["dep-1"]
	a.mu.RUnlock()
	buf.mu.Lock()
	defer buf.mu.Unlock()
	assert.LessOrEqual(t, cap(buf.samples), 2*compactEvery+len(buf.samples))
}
