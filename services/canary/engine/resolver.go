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
	"hash/fnv"
	"sort"

	"github.com/robofleet/RoboFleet/services/canary/datatypes"
)

// TargetResolver computes the eligible robot set for a deployment from live
// fleet membership and the deployment's type/zone filters.
//
// Resolution is deliberately lazy: it queries the fleet registry on every
// call instead of freezing the target set at creation, so robots added to a
// matching zone after rollout began are picked up on the next stage.
type TargetResolver struct {
	fleet FleetRegistry
}

// NewTargetResolver creates a resolver backed by the given fleet registry.
func NewTargetResolver(fleet FleetRegistry) *TargetResolver {
	return &TargetResolver{fleet: fleet}
}

// Resolve returns the ids of online robots matching the filters. Empty
// filters match everything. The result has set semantics: duplicates are
// impossible by construction, and ordering is unspecified.
func (r *TargetResolver) Resolve(ctx context.Context, robotTypes, zones []string) ([]string, error) {
	robots, err := r.fleet.ListRobots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list fleet robots: %w", err)
	}

	typeSet := toSet(robotTypes)
	zoneSet := toSet(zones)

	var ids []string
	seen := make(map[string]struct{}, len(robots))
	for _, robot := range robots {
		if robot.Status != datatypes.RobotStatusOnline {
			continue
		}
		if len(typeSet) > 0 {
			if _, ok := typeSet[robot.Type]; !ok {
				continue
			}
		}
		if len(zoneSet) > 0 {
			if _, ok := zoneSet[robot.Zone]; !ok {
				continue
			}
		}
		if _, dup := seen[robot.ID]; dup {
			continue
		}
		seen[robot.ID] = struct{}{}
		ids = append(ids, robot.ID)
	}
	return ids, nil
}

// SliceForPercentage picks the subset of robots that should run the new
// version at the given traffic percentage.
//
// Robots are ordered by a stable hash salted with the deployment id, so for
// a fixed fleet the subset at a higher percentage is always a superset of
// the subset at a lower one. Earlier-stage robots never fall back out of the
// rollout as the stage expands, and different deployments still canary on
// different robots.
func SliceForPercentage(deploymentID string, robotIDs []string, percentage int) []string {
	if percentage >= 100 {
		out := append([]string(nil), robotIDs...)
		sort.Strings(out)
		return out
	}
	if percentage <= 0 || len(robotIDs) == 0 {
		return nil
	}

	type ranked struct {
		id   string
		rank uint64
	}
	order := make([]ranked, 0, len(robotIDs))
	for _, id := range robotIDs {
		order = append(order, ranked{id: id, rank: rolloutRank(deploymentID, id)})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].rank != order[j].rank {
			return order[i].rank < order[j].rank
		}
		return order[i].id < order[j].id
	})

	// Round up so a non-zero stage always reaches at least one robot.
	n := (len(order)*percentage + 99) / 100
	out := make([]string, 0, n)
	for _, r := range order[:n] {
		out = append(out, r.id)
	}
	return out
}

// rolloutRank hashes a robot into a stable rollout position for one
// deployment. FNV-1a is enough: we need determinism, not cryptography.
func rolloutRank(deploymentID, robotID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(deploymentID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(robotID))
	return h.Sum64()
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
