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
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robofleet/RoboFleet/services/canary/datatypes"
)

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes map[string]bool
}

func newOutcomeRecorder() *outcomeRecorder {
	return &outcomeRecorder{outcomes: make(map[string]bool)}
}

func (o *outcomeRecorder) record(robotID string, deployed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[robotID] = deployed
}

func (o *outcomeRecorder) snapshot() map[string]bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]bool, len(o.outcomes))
	for k, v := range o.outcomes {
		out[k] = v
	}
	return out
}

// TestRolloutRetriesTransientFailures verifies a robot that fails twice and
// then succeeds is reported as deployed after three attempts.
func TestRolloutRetriesTransientFailures(t *testing.T) {
	commander := newFakeCommander()
	commander.failBefore["r1"] = 2
	registry := newFakeRegistry()

	pool := NewDeployPool(commander, registry, 4)
	pool.SetRetryPolicy(3, time.Millisecond)

	rec := newOutcomeRecorder()
	pool.Rollout(context.Background(), "dep-1", "mv-1", []string{"r1"}, rec.record)
	pool.Wait()

	assert.Equal(t, map[string]bool{"r1": true}, rec.snapshot())
	assert.Equal(t, 3, commander.deployCount("r1"))

	records, err := registry.ListRobotRecords(context.Background(), "dep-1")
	require.NoError(t, err)
	require.Len(t, records, 2) // pending, then deployed
	assert.Equal(t, datatypes.RobotOutcomePending, records[0].Outcome)
	assert.Equal(t, datatypes.RobotOutcomeDeployed, records[1].Outcome)
	assert.Equal(t, 3, records[1].AttemptCount)
}

// TestRolloutExhaustedRetriesFails verifies a robot failing all attempts is
// reported failed with its last error, without blocking siblings.
func TestRolloutExhaustedRetriesFails(t *testing.T) {
	commander := newFakeCommander()
	commander.alwaysFail["bad"] = true
	registry := newFakeRegistry()

	pool := NewDeployPool(commander, registry, 4)
	pool.SetRetryPolicy(3, time.Millisecond)

	rec := newOutcomeRecorder()
	pool.Rollout(context.Background(), "dep-1", "mv-1", []string{"bad", "good"}, rec.record)
	pool.Wait()

	assert.Equal(t, map[string]bool{"bad": false, "good": true}, rec.snapshot())
	assert.Equal(t, 3, commander.deployCount("bad"))

	records, err := registry.ListRobotRecords(context.Background(), "dep-1")
	require.NoError(t, err)
	var failed *datatypes.RobotRecord
	for i := range records {
		if records[i].RobotID == "bad" && records[i].Outcome == datatypes.RobotOutcomeFailed {
			failed = &records[i]
		}
	}
	require.NotNil(t, failed)
	assert.Contains(t, failed.Error, "rejected deploy")
}

// TestRolloutCancellationAbandonsQueuedRobots verifies cancelling the
// rollout context abandons robots between retries with no outcome callback.
func TestRolloutCancellationAbandonsQueuedRobots(t *testing.T) {
	commander := newFakeCommander()
	commander.alwaysFail["r1"] = true
	registry := newFakeRegistry()

	pool := NewDeployPool(commander, registry, 1)
	// Long backoff so cancellation lands during the retry wait.
	pool.SetRetryPolicy(3, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	rec := newOutcomeRecorder()
	pool.Rollout(ctx, "dep-1", "mv-1", []string{"r1"}, rec.record)

	// Give the first attempt time to fail, then cancel mid-backoff.
	time.Sleep(50 * time.Millisecond)
	cancel()
	pool.Wait()

	assert.Empty(t, rec.snapshot())
	assert.Equal(t, 1, commander.deployCount("r1"))
}

// blockingCommander holds a single robot's deploy until released and
// records the context error its command observed.
type blockingCommander struct {
	started chan struct{}
	release chan struct{}

	mu     sync.Mutex
	ctxErr error
}

func (c *blockingCommander) Deploy(ctx context.Context, robotID, modelVersionID string) error {
	close(c.started)
	<-c.release
	c.mu.Lock()
	c.ctxErr = ctx.Err()
	c.mu.Unlock()
	return nil
}

func (c *blockingCommander) Revert(ctx context.Context, robotID string) error { return nil }

// TestCancelLeavesDispatchedCommandRunning verifies cancelling the rollout
// does not abort a command already on the wire: the robot's deploy completes
// and its outcome is recorded.
func TestCancelLeavesDispatchedCommandRunning(t *testing.T) {
	commander := &blockingCommander{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	registry := newFakeRegistry()
	pool := NewDeployPool(commander, registry, 1)
	pool.SetRetryPolicy(1, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	rec := newOutcomeRecorder()
	pool.Rollout(ctx, "dep-1", "mv-1", []string{"r1"}, rec.record)

	<-commander.started
	cancel()
	close(commander.release)
	pool.Wait()

	commander.mu.Lock()
	assert.NoError(t, commander.ctxErr) // command context survived the cancel
	commander.mu.Unlock()
	assert.Equal(t, map[string]bool{"r1": true}, rec.snapshot())

	records, err := registry.ListRobotRecords(context.Background(), "dep-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, datatypes.RobotOutcomeDeployed, records[1].Outcome)
}

// histogramCount returns a histogram's total observation count.
func histogramCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, h.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

// TestRolloutObservesDeployDuration verifies every deploy command attempt
// lands in the duration histogram, retries included.
func TestRolloutObservesDeployDuration(t *testing.T) {
	metrics := testMetrics()
	commander := newFakeCommander()
	commander.failBefore["r1"] = 1
	pool := NewDeployPool(commander, newFakeRegistry(), 4)
	pool.SetRetryPolicy(2, time.Millisecond)
	pool.SetMetrics(metrics)

	before := histogramCount(t, metrics.RobotDeployDurationSeconds)
	rec := newOutcomeRecorder()
	pool.Rollout(context.Background(), "dep-1", "mv-1", []string{"r1", "r2"}, rec.record)
	pool.Wait()

	// r1 took two attempts, r2 one.
	assert.Equal(t, before+3, histogramCount(t, metrics.RobotDeployDurationSeconds))
}

// TestRevertAllReportsConfirmation verifies RevertAll reports whether every
// robot confirmed.
func TestRevertAllReportsConfirmation(t *testing.T) {
	t.Run("all confirmed", func(t *testing.T) {
		commander := newFakeCommander()
		pool := NewDeployPool(commander, newFakeRegistry(), 4)
		pool.SetRetryPolicy(2, time.Millisecond)

		done := make(chan bool, 1)
		pool.RevertAll(context.Background(), "dep-1", []string{"r1", "r2"}, func(all bool) { done <- all })
		assert.True(t, <-done)
		assert.Equal(t, 1, commander.revertCount("r1"))
		assert.Equal(t, 1, commander.revertCount("r2"))
	})

	t.Run("one robot unreachable", func(t *testing.T) {
		commander := newFakeCommander()
		commander.revertErr["r2"] = true
		pool := NewDeployPool(commander, newFakeRegistry(), 4)
		pool.SetRetryPolicy(2, time.Millisecond)

		done := make(chan bool, 1)
		pool.RevertAll(context.Background(), "dep-1", []string{"r1", "r2"}, func(all bool) { done <- all })
		assert.False(t, <-done)
		assert.Equal(t, 2, commander.revertCount("r2")) // retried, still failed
	})
}
