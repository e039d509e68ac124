// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model for the canary deployment
// service: deployments, rollout stages, per-robot outcome records, fleet
// membership, and the event schema pushed to WebSocket subscribers.
package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance for tag-based struct checks.
var validate = validator.New()

// =============================================================================
// Deployment Status
// =============================================================================

// DeploymentStatus is the lifecycle state of a deployment.
//
// Exactly one status holds at any time. Terminal statuses are never left:
// completed, rolled_back, cancelled, and failed.
type DeploymentStatus string

const (
	// StatusPending means the deployment is created but not started.
	StatusPending DeploymentStatus = "pending"

	// StatusDeploying means targets are resolved and the first wave of
	// per-robot deploys is in flight, but no robot has confirmed yet.
	StatusDeploying DeploymentStatus = "deploying"

	// StatusCanary means at least one robot runs the new version and the
	// deployment is progressing through its stages.
	StatusCanary DeploymentStatus = "canary"

	// StatusProduction means the final stage (100% traffic) is active.
	// The deployment stays here until explicitly finalized.
	StatusProduction DeploymentStatus = "production"

	// StatusRollingBack means traffic has been reverted and robots are
	// confirming reversion.
	StatusRollingBack DeploymentStatus = "rolling_back"

	// StatusFailed means the rollout could not deploy to any robot.
	StatusFailed DeploymentStatus = "failed"

	// StatusCompleted means the deployment reached production and was
	// finalized for archival.
	StatusCompleted DeploymentStatus = "completed"

	// StatusRolledBack means the rollback finished (or was force-finalized
	// after the grace period).
	StatusRolledBack DeploymentStatus = "rolled_back"

	// StatusCancelled means the deployment was stopped before reaching
	// production.
	StatusCancelled DeploymentStatus = "cancelled"
)

// AllStatuses lists every lifecycle status, in rough lifecycle order. Used
// for exhaustive gauge labeling and status filter validation.
var AllStatuses = []DeploymentStatus{
	StatusPending, StatusDeploying, StatusCanary, StatusProduction,
	StatusRollingBack, StatusFailed, StatusCompleted, StatusRolledBack,
	StatusCancelled,
}

// IsTerminal reports whether no further transitions are possible.
func (s DeploymentStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRolledBack, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// CanRollback reports whether a rollback may be started from this status.
// rolling_back and rolled_back are accepted too: rollback is idempotent.
func (s DeploymentStatus) CanRollback() bool {
	switch s {
	case StatusDeploying, StatusCanary, StatusProduction,
		StatusRollingBack, StatusRolledBack:
		return true
	}
	return false
}

// CanCancel reports whether cancel is a valid operation from this status.
// Once traffic has fully shifted (production), rollback must be used instead.
func (s DeploymentStatus) CanCancel() bool {
	switch s {
	case StatusPending, StatusDeploying, StatusCanary:
		return true
	}
	return false
}

// =============================================================================
// Rollout Plan
// =============================================================================

// Strategy selects the rollout algorithm for a deployment.
type Strategy string

// StrategyCanary is the only strategy currently implemented: staged traffic
// ramp with automatic rollback on threshold breach.
const StrategyCanary Strategy = "canary"

// Stage is one step of a canary rollout plan.
type Stage struct {
	// TrafficPercentage is the share of eligible robots running the new
	// version while this stage is active. 1-100.
	TrafficPercentage int `json:"trafficPercentage"`

	// MinDwellMinutes is the minimum time the deployment must remain in
	// this stage before the scheduler may advance it.
	MinDwellMinutes int `json:"minDwellMinutes"`
}

// ValidateStages checks a rollout plan: non-empty, percentages strictly
// increasing and within 1-100.
//
// The last stage is the production stage; it does not have to be literally
// 100 but by convention is.
func ValidateStages(stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("rollout plan must contain at least one stage")
	}
	prev := 0
	for i, s := range stages {
		if s.TrafficPercentage < 1 || s.TrafficPercentage > 100 {
			return fmt.Errorf("stage %d: trafficPercentage %d out of range 1-100", i, s.TrafficPercentage)
		}
		if s.TrafficPercentage <= prev {
			return fmt.Errorf("stage %d: trafficPercentage %d not strictly increasing", i, s.TrafficPercentage)
		}
		if s.MinDwellMinutes < 0 {
			return fmt.Errorf("stage %d: minDwellMinutes must not be negative", i)
		}
		prev = s.TrafficPercentage
	}
	return nil
}

// RollbackThresholds are the metric ceilings whose breach triggers an
// automatic rollback. Any single breach fails the guard.
type RollbackThresholds struct {
	// ErrorRate is the maximum tolerated request error rate (0-1).
	ErrorRate float64 `json:"errorRate" validate:"gte=0,lte=1"`

	// LatencyP99Ms is the maximum tolerated P99 inference latency.
	LatencyP99Ms float64 `json:"latencyP99Ms" validate:"gte=0"`

	// FailureRate is the maximum tolerated per-robot deploy failure rate
	// among attempted robots (0-1).
	FailureRate float64 `json:"failureRate" validate:"gte=0,lte=1"`
}

// Validate checks threshold sanity. Zero values are allowed (a zero ceiling
// means "any observation breaches"), negatives are not.
func (t RollbackThresholds) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("invalid rollback thresholds: %w", err)
	}
	return nil
}

// =============================================================================
// Deployment
// =============================================================================

// Deployment is the unit of rollout: one model version ramped across the
// fleet in stages.
//
// # Invariants
//
//   - DeployedRobotIDs and FailedRobotIDs are disjoint.
//   - TrafficPercentage is non-decreasing unless the deployment rolls back
//     or is cancelled.
//   - CurrentStageIndex only moves forward; rollback terminates the
//     deployment rather than rewinding it.
//   - Status production or completed implies the last stage is active.
//
// # Concurrency
//
// Deployment values handed out by the engine are snapshots. The engine owns
// the authoritative record and serializes all mutations per deployment id;
// Revision implements optimistic concurrency at the storage layer.
type Deployment struct {
	ID             string   `json:"id"`
	ModelVersionID string   `json:"modelVersionId"`
	Strategy       Strategy `json:"strategy"`

	Status             DeploymentStatus   `json:"status"`
	Stages             []Stage            `json:"stages"`
	CurrentStageIndex  int                `json:"currentStageIndex"`
	TrafficPercentage  int                `json:"trafficPercentage"`
	RollbackThresholds RollbackThresholds `json:"rollbackThresholds"`

	// TargetRobotTypes and TargetZones filter the eligible fleet.
	// Empty means all compatible robots.
	TargetRobotTypes []string `json:"targetRobotTypes,omitempty"`
	TargetZones      []string `json:"targetZones,omitempty"`

	DeployedRobotIDs []string `json:"deployedRobotIds"`
	FailedRobotIDs   []string `json:"failedRobotIds"`

	// Reason records why a rollback or cancellation happened, verbatim.
	Reason string `json:"reason,omitempty"`

	// Warning is attached when a rollback was force-finalized after the
	// grace period without every robot confirming reversion.
	Warning string `json:"warning,omitempty"`

	// FrozenMetrics is the aggregate observed at the moment of promotion or
	// rollback, kept for audit.
	FrozenMetrics *AggregatedDeploymentMetrics `json:"frozenMetrics,omitempty"`

	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	StageEnteredAt *time.Time `json:"stageEnteredAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`

	// Revision is incremented on every save. The registry rejects a save
	// whose revision does not match the stored record.
	Revision uint64 `json:"revision"`
}

// CurrentStage returns the active stage, or false when the rollout has not
// started (CurrentStageIndex == -1).
func (d *Deployment) CurrentStage() (Stage, bool) {
	if d.CurrentStageIndex < 0 || d.CurrentStageIndex >= len(d.Stages) {
		return Stage{}, false
	}
	return d.Stages[d.CurrentStageIndex], true
}

// OnLastStage reports whether the active stage is the final one.
func (d *Deployment) OnLastStage() bool {
	return len(d.Stages) > 0 && d.CurrentStageIndex == len(d.Stages)-1
}

// FailureRate is the per-robot deploy failure rate among attempted robots.
// Returns 0 when no robot has reported an outcome yet.
func (d *Deployment) FailureRate() float64 {
	attempted := len(d.DeployedRobotIDs) + len(d.FailedRobotIDs)
	if attempted == 0 {
		return 0
	}
	return float64(len(d.FailedRobotIDs)) / float64(attempted)
}

// HasRobot reports whether the robot already has a recorded outcome
// (deployed or failed) for this deployment.
func (d *Deployment) HasRobot(robotID string) bool {
	for _, id := range d.DeployedRobotIDs {
		if id == robotID {
			return true
		}
	}
	for _, id := range d.FailedRobotIDs {
		if id == robotID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy for handing out as a read snapshot.
func (d *Deployment) Clone() *Deployment {
	c := *d
	c.Stages = append([]Stage(nil), d.Stages...)
	c.TargetRobotTypes = append([]string(nil), d.TargetRobotTypes...)
	c.TargetZones = append([]string(nil), d.TargetZones...)
	c.DeployedRobotIDs = append([]string(nil), d.DeployedRobotIDs...)
	c.FailedRobotIDs = append([]string(nil), d.FailedRobotIDs...)
	if d.FrozenMetrics != nil {
		fm := *d.FrozenMetrics
		c.FrozenMetrics = &fm
	}
	if d.StartedAt != nil {
		t := *d.StartedAt
		c.StartedAt = &t
	}
	if d.StageEnteredAt != nil {
		t := *d.StageEnteredAt
		c.StageEnteredAt = &t
	}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// =============================================================================
// Per-Robot Records
// =============================================================================

// RobotOutcome is the state of one robot's participation in a deployment.
type RobotOutcome string

const (
	RobotOutcomePending  RobotOutcome = "pending"
	RobotOutcomeDeployed RobotOutcome = "deployed"
	RobotOutcomeFailed   RobotOutcome = "failed"
)

// RobotRecord is the append-only audit record of one deploy attempt outcome.
// Records are never deleted or rewritten; each attempt appends a new one.
type RobotRecord struct {
	DeploymentID  string       `json:"deploymentId"`
	RobotID       string       `json:"robotId"`
	Outcome       RobotOutcome `json:"outcome"`
	AttemptCount  int          `json:"attemptCount"`
	LastAttemptAt time.Time    `json:"lastAttemptAt"`
	Error         string       `json:"error,omitempty"`
}

// =============================================================================
// Fleet Membership
// =============================================================================

// RobotStatusOnline marks a robot that can accept deploy commands. Robots in
// any other status are ignored by target resolution.
const RobotStatusOnline = "online"

// Robot is a fleet member as reported by the fleet registry.
type Robot struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Zone   string `json:"zone"`
	Status string `json:"status"`
}

// =============================================================================
// Event Schema
// =============================================================================

// EventType identifies a deployment event pushed to subscribers. All types
// carry the "deployment:" prefix so clients can separate them from unrelated
// message kinds on a shared socket.
type EventType string

const (
	EventStarted        EventType = "deployment:started"
	EventStageAdvanced  EventType = "deployment:stage_advanced"
	EventPromoted       EventType = "deployment:promoted"
	EventRolledBack     EventType = "deployment:rolled_back"
	EventCancelled      EventType = "deployment:cancelled"
	EventCompleted      EventType = "deployment:completed"
	EventMetricsUpdated EventType = "deployment:metrics_updated"
)

// Event is one message on the deployment event stream. Deployment events
// carry the updated record; metrics events carry the latest snapshot.
// Delivery is at-most-once; clients reconcile by re-fetching.
type Event struct {
	Type         EventType                    `json:"type"`
	DeploymentID string                       `json:"deploymentId"`
	Deployment   *Deployment                  `json:"deployment,omitempty"`
	Metrics      *AggregatedDeploymentMetrics `json:"metrics,omitempty"`
	Timestamp    time.Time                    `json:"timestamp"`
}
