// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine implements the canary deployment orchestrator: the
// deployment state machine, target resolution, the per-robot deploy worker
// pool, metrics aggregation, the rollback guard, the stage scheduler, and
// the event broadcaster.
//
// All mutations for a single deployment id are serialized through the state
// machine (single writer per deployment); reads are snapshots. The engine
// talks to the outside world only through the collaborator interfaces below,
// which keeps it testable against fakes.
package engine

import (
	"context"

	"github.com/robofleet/RoboFleet/services/canary/datatypes"
)

// ModelRegistry answers whether a model version may be deployed. Only
// versions in staging status are eligible.
type ModelRegistry interface {
	IsDeployable(ctx context.Context, modelVersionID string) (bool, error)
}

// FleetRegistry exposes current robot membership. Target resolution calls it
// on every start/advance so fleet changes are picked up mid-rollout.
type FleetRegistry interface {
	ListRobots(ctx context.Context) ([]datatypes.Robot, error)
}

// TrafficRouter accepts traffic split directives. The orchestrator does not
// implement traffic shaping itself; it only tells the router the
// authoritative percentage and target set.
type TrafficRouter interface {
	SetSplit(ctx context.Context, modelVersionID string, trafficPercentage int, robotIDs []string) error
}

// RobotCommander is the per-robot command channel: deploy a model version or
// revert to the previous one. Both return an error when the robot rejects or
// does not confirm the command.
type RobotCommander interface {
	Deploy(ctx context.Context, robotID, modelVersionID string) error
	Revert(ctx context.Context, robotID string) error
}

// Registry is durable storage for deployment records and the append-only
// per-robot outcome log.
//
// SaveDeployment must reject a record whose Revision does not match the
// stored one (optimistic concurrency) and bump the revision on success.
type Registry interface {
	SaveDeployment(ctx context.Context, d *datatypes.Deployment) error
	GetDeployment(ctx context.Context, id string) (*datatypes.Deployment, error)
	ListDeployments(ctx context.Context, status datatypes.DeploymentStatus) ([]*datatypes.Deployment, error)
	AppendRobotRecord(ctx context.Context, rec datatypes.RobotRecord) error
	ListRobotRecords(ctx context.Context, deploymentID string) ([]datatypes.RobotRecord, error)
}
