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
	"github.com/robofleet/RoboFleet/services/canary/datatypes"
)

// DefaultMinSampleSize is the confidence floor below which the guard always
// passes. Insufficient data must never trigger an automatic rollback.
const DefaultMinSampleSize = 20

// Breach describes one metric exceeding its configured threshold.
type Breach struct {
	Metric    string  `json:"metric"`
	Observed  float64 `json:"observed"`
	Threshold float64 `json:"threshold"`
}

// Verdict is the outcome of a rollback guard evaluation.
type Verdict struct {
	Pass     bool     `json:"pass"`
	Breaches []Breach `json:"breaches,omitempty"`

	// InsufficientData is set when the verdict passed only because the
	// sample size was below the confidence floor.
	InsufficientData bool `json:"insufficientData,omitempty"`
}

// RollbackGuard evaluates windowed metrics against a deployment's configured
// thresholds.
type RollbackGuard struct {
	// MinSampleSize is the confidence floor. Evaluations with fewer samples
	// always pass regardless of observed rates.
	MinSampleSize int
}

// NewRollbackGuard creates a guard with the given confidence floor;
// non-positive values fall back to DefaultMinSampleSize.
func NewRollbackGuard(minSampleSize int) *RollbackGuard {
	if minSampleSize <= 0 {
		minSampleSize = DefaultMinSampleSize
	}
	return &RollbackGuard{MinSampleSize: minSampleSize}
}

// Evaluate checks the aggregated metrics and the per-robot deploy failure
// rate against the thresholds. Any single breach fails the verdict.
//
// Below the confidence floor the verdict always passes, whatever the
// observed rates: a handful of unlucky samples must never revert a rollout.
func (g *RollbackGuard) Evaluate(
	thresholds datatypes.RollbackThresholds,
	metrics datatypes.AggregatedDeploymentMetrics,
	failureRate float64,
) Verdict {
	if metrics.SampleSize < g.MinSampleSize {
		return Verdict{Pass: true, InsufficientData: true}
	}

	var breaches []Breach

	if failureRate > thresholds.FailureRate {
		breaches = append(breaches, Breach{
			Metric:    "failureRate",
			Observed:  failureRate,
			Threshold: thresholds.FailureRate,
		})
	}
	if metrics.ErrorRate > thresholds.ErrorRate {
		breaches = append(breaches, Breach{
			Metric:    "errorRate",
			Observed:  metrics.ErrorRate,
			Threshold: thresholds.ErrorRate,
		})
	}
	if metrics.LatencyP99 > thresholds.LatencyP99Ms {
		breaches = append(breaches, Breach{
			Metric:    "latencyP99Ms",
			Observed:  metrics.LatencyP99,
			Threshold: thresholds.LatencyP99Ms,
		})
	}

	return Verdict{Pass: len(breaches) == 0, Breaches: breaches}
}
