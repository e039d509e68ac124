// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"time"
)

// Sample is one per-robot outcome observation reported by the fleet while a
// deployment is live: how long the inference took, whether the request
// errored, and whether the robot completed its task.
//
// StageIndex is stamped by the engine at ingest with the stage the
// deployment was in; reporters do not set it.
type Sample struct {
	RobotID       string    `json:"robotId,omitempty"`
	StageIndex    int       `json:"stageIndex"`
	LatencyMs     float64   `json:"latencyMs" validate:"gte=0"`
	IsError       bool      `json:"isError"`
	TaskSucceeded bool      `json:"taskSucceeded"`
	Timestamp     time.Time `json:"timestamp" validate:"required"`
}

// Validate rejects samples the aggregator cannot use.
func (s Sample) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid sample: %w", err)
	}
	return nil
}

// AggregatedDeploymentMetrics is the windowed aggregate over a deployment's
// recent samples.
//
// A zero SampleSize means no data has arrived inside the window; callers use
// it to distinguish "no data" from "good metrics". Rates are in 0-1,
// latencies in milliseconds.
type AggregatedDeploymentMetrics struct {
	DeploymentID    string    `json:"deploymentId"`
	ErrorRate       float64   `json:"errorRate"`
	LatencyP50      float64   `json:"latencyP50"`
	LatencyP95      float64   `json:"latencyP95"`
	LatencyP99      float64   `json:"latencyP99"`
	TaskSuccessRate float64   `json:"taskSuccessRate"`
	SampleSize      int       `json:"sampleSize"`
	WindowStart     time.Time `json:"windowStart"`
	WindowEnd       time.Time `json:"windowEnd"`
}
