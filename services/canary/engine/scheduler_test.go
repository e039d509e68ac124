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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robofleet/RoboFleet/services/canary/datatypes"
)

// startCanary brings a fresh deployment into canary stage 0 and feeds it
// clean samples.
func startCanary(t *testing.T, env *testEnv) *datatypes.Deployment {
	t.Helper()
	d := env.create(t, defaultStages())
	_, err := env.sm.Start(context.Background(), d.ID)
	require.NoError(t, err)
	env.pool.Wait()
	env.feedSamples(t, d.ID, 30, false, 10)
	return d
}

func newTestScheduler(env *testEnv) *StageScheduler {
	s := NewStageScheduler(env.sm, nil, SchedulerConfig{Interval: time.Hour})
	s.now = env.sm.now
	return s
}

// TestSweepHonorsDwell verifies a sweep does not advance a canary before its
// stage's minimum dwell has elapsed, and does once it has.
func TestSweepHonorsDwell(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	d := startCanary(t, env)
	s := newTestScheduler(env)

	// Stage 0 dwell is 30 minutes; 10 minutes in, nothing moves.
	env.now = env.now.Add(10 * time.Minute)
	s.RunNow(ctx)
	got, err := env.sm.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentStageIndex)

	// Past the dwell. Re-feed samples so the guard judges fresh data rather
	// than an empty window.
	env.now = env.now.Add(25 * time.Minute)
	env.feedSamples(t, d.ID, 30, false, 10)
	s.RunNow(ctx)
	env.pool.Wait()
	got, err = env.sm.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStageIndex)
	assert.Equal(t, 50, got.TrafficPercentage)
	assert.Equal(t, datatypes.StatusCanary, got.Status)
}

// TestSweepGuardBeatsDwell verifies a breach triggers rollback on the sweep
// even when the dwell would have allowed an advance.
func TestSweepGuardBeatsDwell(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	d := startCanary(t, env)

	s := newTestScheduler(env)
	env.now = env.now.Add(time.Hour)
	env.feedSamples(t, d.ID, 30, true, 10) // breach error rate
	s.RunNow(ctx)
	env.pool.Wait()

	got, err := env.sm.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusRolledBack, got.Status)
	assert.Equal(t, AutomaticRollbackReason, got.Reason)
}

// TestSweepLeavesInsufficientDataAlone verifies a canary with too few
// samples is neither advanced past the dwell gate prematurely nor rolled
// back, whatever the few samples say.
func TestSweepLeavesInsufficientDataAlone(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	d := env.create(t, defaultStages())
	_, err := env.sm.Start(ctx, d.ID)
	require.NoError(t, err)
	env.pool.Wait()
	env.feedSamples(t, d.ID, 5, true, 9999) // terrible, but only 5 samples

	s := newTestScheduler(env)
	s.RunNow(ctx)
	env.pool.Wait()

	got, err := env.sm.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCanary, got.Status)
	assert.Equal(t, 0, got.CurrentStageIndex)
}

// TestSweepForceFinalizesStuckRollback verifies the grace enforcement runs
// as part of the sweep.
func TestSweepForceFinalizesStuckRollback(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx := context.Background()

	entered := env.now.Add(-time.Hour)
	stuck := &datatypes.Deployment{
		ID:             "dep-stuck",
		ModelVersionID: "mv-1",
		Strategy:       datatypes.StrategyCanary,
		Status:         datatypes.StatusRollingBack,
		Stages:         defaultStages(),
		StageEnteredAt: &entered,
		CreatedAt:      env.now.Add(-2 * time.Hour),
	}
	require.NoError(t, env.registry.SaveDeployment(ctx, stuck))

	s := newTestScheduler(env)
	s.RunNow(ctx)

	got, err := env.sm.Get(ctx, "dep-stuck")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusRolledBack, got.Status)
	assert.NotEmpty(t, got.Warning)
}

// TestSchedulerLifecycle verifies double start is rejected and stop is
// idempotent.
func TestSchedulerLifecycle(t *testing.T) {
	env := newTestEnv(t, 2)
	s := NewStageScheduler(env.sm, nil, SchedulerConfig{Interval: time.Hour})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	s.Stop()
	s.Stop()

	// Restart after stop is allowed.
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
