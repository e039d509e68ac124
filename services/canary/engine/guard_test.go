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

	"github.com/stretchr/testify/assert"

	"github.com/robofleet/RoboFleet/services/canary/datatypes"
)

func testThresholds() datatypes.RollbackThresholds {
	return datatypes.RollbackThresholds{
		ErrorRate:    0.05,
		LatencyP99Ms: 250,
		FailureRate:  0.2,
	}
}

// TestGuardPassesBelowSampleFloor verifies that any observed rates pass while
// the sample size is below the confidence floor.
func TestGuardPassesBelowSampleFloor(t *testing.T) {
	guard := NewRollbackGuard(20)

	metrics := datatypes.AggregatedDeploymentMetrics{
		SampleSize: 19,
		ErrorRate:  1.0, // wildly over threshold
		LatencyP99: 9999,
	}
	verdict := guard.Evaluate(testThresholds(), metrics, 1.0)

	assert.True(t, verdict.Pass)
	assert.True(t, verdict.InsufficientData)
	assert.Empty(t, verdict.Breaches)
}

// TestGuardCleanMetricsPass verifies a passing verdict with enough samples.
func TestGuardCleanMetricsPass(t *testing.T) {
	guard := NewRollbackGuard(20)

	metrics := datatypes.AggregatedDeploymentMetrics{
		SampleSize: 100,
		ErrorRate:  0.01,
		LatencyP99: 120,
	}
	verdict := guard.Evaluate(testThresholds(), metrics, 0.0)

	assert.True(t, verdict.Pass)
	assert.False(t, verdict.InsufficientData)
	assert.Empty(t, verdict.Breaches)
}

// TestGuardSingleBreachFails verifies any one metric over its ceiling fails
// the verdict and is reported.
func TestGuardSingleBreachFails(t *testing.T) {
	tests := []struct {
		name    string
		metrics datatypes.AggregatedDeploymentMetrics
		failure float64
		metric  string
	}{
		{
			name: "error rate",
			metrics: datatypes.AggregatedDeploymentMetrics{
				SampleSize: 50, ErrorRate: 0.06, LatencyP99: 100,
			},
			metric: "errorRate",
		},
		{
			name: "p99 latency",
			metrics: datatypes.AggregatedDeploymentMetrics{
				SampleSize: 50, ErrorRate: 0.01, LatencyP99: 251,
			},
			metric: "latencyP99Ms",
		},
		{
			name: "robot failure rate",
			metrics: datatypes.AggregatedDeploymentMetrics{
				SampleSize: 50, ErrorRate: 0.01, LatencyP99: 100,
			},
			failure: 0.25,
			metric:  "failureRate",
		},
	}

	guard := NewRollbackGuard(20)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			verdict := guard.Evaluate(testThresholds(), tc.metrics, tc.failure)
			assert.False(t, verdict.Pass)
			assert.Len(t, verdict.Breaches, 1)
			assert.Equal(t, tc.metric, verdict.Breaches[0].Metric)
		})
	}
}

// TestGuardExactThresholdPasses verifies the comparison is strict: a value
// exactly at the ceiling is not a breach.
func TestGuardExactThresholdPasses(t *testing.T) {
	guard := NewRollbackGuard(20)

	metrics := datatypes.AggregatedDeploymentMetrics{
		SampleSize: 50,
		ErrorRate:  0.05,
		LatencyP99: 250,
	}
	verdict := guard.Evaluate(testThresholds(), metrics, 0.2)

	assert.True(t, verdict.Pass)
}

// TestGuardMultipleBreaches verifies all breaching metrics are reported.
func TestGuardMultipleBreaches(t *testing.T) {
	guard := NewRollbackGuard(20)

	metrics := datatypes.AggregatedDeploymentMetrics{
		SampleSize: 50,
		ErrorRate:  0.5,
		LatencyP99: 1000,
	}
	verdict := guard.Evaluate(testThresholds(), metrics, 0.5)

	assert.False(t, verdict.Pass)
	assert.Len(t, verdict.Breaches, 3)
}

// TestGuardDefaultFloor verifies the default confidence floor applies when
// the configured value is non-positive.
func TestGuardDefaultFloor(t *testing.T) {
	guard := NewRollbackGuard(0)
	assert.Equal(t, DefaultMinSampleSize, guard.MinSampleSize)
}
