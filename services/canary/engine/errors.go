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
	"errors"
	"fmt"

	"github.com/robofleet/RoboFleet/services/canary/datatypes"
)

// Sentinel errors for the state machine's validation taxonomy. Handlers map
// these to HTTP statuses; everything else is a 500.
var (
	// ErrNotFound means no deployment exists with the given id.
	ErrNotFound = errors.New("deployment not found")

	// ErrInvalidModelVersion means the model version is not eligible for
	// deployment (not in staging status, or unknown to the registry).
	ErrInvalidModelVersion = errors.New("model version not eligible for deployment")

	// ErrInvalidStageConfig means the rollout plan is empty or the traffic
	// percentages are not strictly increasing.
	ErrInvalidStageConfig = errors.New("invalid stage configuration")

	// ErrNoEligibleRobots means target resolution produced an empty set.
	ErrNoEligibleRobots = errors.New("no eligible robots match the target filters")

	// ErrThresholdBreach means an operator action was rejected because the
	// rollback guard currently fails.
	ErrThresholdBreach = errors.New("rollback thresholds currently breached")

	// ErrConflictingTransition means the requested transition is not valid
	// from the deployment's current status.
	ErrConflictingTransition = errors.New("conflicting transition")
)

// ConflictError reports a rejected transition together with the status the
// deployment was actually in, so the caller can reconcile instead of
// guessing. Unwraps to ErrConflictingTransition.
type ConflictError struct {
	Operation string
	Current   datatypes.DeploymentStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot %s deployment in status %q", e.Operation, e.Current)
}

func (e *ConflictError) Unwrap() error { return ErrConflictingTransition }

// BreachError carries the specific breaching metrics when a promote or
// advance is rejected. Unwraps to ErrThresholdBreach.
type BreachError struct {
	Breaches []Breach
}

func (e *BreachError) Error() string {
	return fmt.Sprintf("rollback guard failing: %d metric(s) breached", len(e.Breaches))
}

func (e *BreachError) Unwrap() error { return ErrThresholdBreach }
