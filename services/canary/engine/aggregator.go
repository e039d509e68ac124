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
	"sort"
	"sync"
	"time"

	"github.com/robofleet/RoboFleet/services/canary/datatypes"
)

// compactEvery bounds how much stale data a buffer can carry between
// compactions. Ingest is O(1) amortized: stale samples are dropped in bulk
// every compactEvery appends and on every snapshot.
const compactEvery = 256

// MetricsAggregator keeps a rolling window of samples per deployment and
// computes windowed aggregates on demand.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Ingestion for different
// deployments does not contend beyond the buffer map lookup.
type MetricsAggregator struct {
	window time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	buffers map[string]*sampleBuffer
}

type sampleBuffer struct {
	mu       sync.Mutex
	samples  []datatypes.Sample
	appended int
}

// NewMetricsAggregator creates an aggregator with the given rolling window.
func NewMetricsAggregator(window time.Duration) *MetricsAggregator {
	return &MetricsAggregator{
		window:  window,
		now:     time.Now,
		buffers: make(map[string]*sampleBuffer),
	}
}

// Ingest appends a sample to the deployment's rolling buffer. Samples older
// than the window are dropped lazily during periodic compaction.
func (a *MetricsAggregator) Ingest(deploymentID string, s datatypes.Sample) {
	buf := a.buffer(deploymentID)

	buf.mu.Lock()
	defer buf.mu.Unlock()

	buf.samples = append(buf.samples, s)
	buf.appended++
	if buf.appended%compactEvery == 0 {
		buf.compact(a.now().Add(-a.window))
	}
}

// Snapshot computes the current windowed aggregate for a deployment.
//
// A deployment with no samples inside the window yields a zero-sample
// result, not an error, so callers can tell "no data" from "good metrics".
func (a *MetricsAggregator) Snapshot(deploymentID string) datatypes.AggregatedDeploymentMetrics {
	end := a.now()
	start := end.Add(-a.window)
	out := datatypes.AggregatedDeploymentMetrics{
		DeploymentID: deploymentID,
		WindowStart:  start,
		WindowEnd:    end,
	}

	a.mu.RLock()
	buf, ok := a.buffers[deploymentID]
	a.mu.RUnlock()
	if !ok {
		return out
	}

	buf.mu.Lock()
	buf.compact(start)
	samples := append([]datatypes.Sample(nil), buf.samples...)
	buf.mu.Unlock()

	if len(samples) == 0 {
		return out
	}

	latencies := make([]float64, 0, len(samples))
	errorCount := 0
	successCount := 0
	for _, s := range samples {
		latencies = append(latencies, s.LatencyMs)
		if s.IsError {
			errorCount++
		}
		if s.TaskSucceeded {
			successCount++
		}
	}
	sort.Float64s(latencies)

	out.SampleSize = len(samples)
	out.ErrorRate = float64(errorCount) / float64(len(samples))
	out.TaskSuccessRate = float64(successCount) / float64(len(samples))
	out.LatencyP50 = percentile(latencies, 50)
	out.LatencyP95 = percentile(latencies, 95)
	out.LatencyP99 = percentile(latencies, 99)
	return out
}

// Drop discards a deployment's buffer. Called once a deployment reaches a
// terminal status and its final snapshot has been frozen.
func (a *MetricsAggregator) Drop(deploymentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, deploymentID)
}

func (a *MetricsAggregator) buffer(deploymentID string) *sampleBuffer {
	a.mu.RLock()
	buf, ok := a.buffers[deploymentID]
	a.mu.RUnlock()
	if ok {
		return buf
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if buf, ok = a.buffers[deploymentID]; ok {
		return buf
	}
	buf = &sampleBuffer{}
	a.buffers[deploymentID] = buf
	return buf
}

// compact drops samples older than cutoff. Caller holds the buffer lock.
func (b *sampleBuffer) compact(cutoff time.Time) {
	kept := b.samples[:0]
	for _, s := range b.samples {
		if !s.Timestamp.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	// Re-slice into a fresh array occasionally so the backing array does not
	// pin dropped samples forever.
	if cap(b.samples)-len(kept) > compactEvery {
		kept = append(make([]datatypes.Sample, 0, len(kept)), kept...)
	}
	b.samples = kept
}

// percentile computes the nearest-rank percentile of a sorted slice.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (len(sorted)*p + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
