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
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/robofleet/RoboFleet/services/canary/datatypes"
	"github.com/robofleet/RoboFleet/services/canary/observability"
)

const (
	// defaultMaxAttempts is how many times a robot deploy is tried before
	// the robot is recorded as failed.
	defaultMaxAttempts = 3

	// defaultBackoffBase is the first retry delay. Subsequent delays
	// quadruple: 1s, 4s, 16s.
	defaultBackoffBase = time.Second

	// defaultPoolSize bounds concurrent robot commands.
	defaultPoolSize = 8
)

// DeployPool dispatches per-robot deploy and revert commands with bounded
// concurrency and retry.
//
// Individual robot deploys are independent: one robot exhausting its retries
// is absorbed as data (a failed outcome record) and never blocks siblings.
// Cancellation of the rollout context abandons robots whose commands have
// not been dispatched yet; a command already on the wire is allowed to
// finish so a robot is never interrupted mid-command.
type DeployPool struct {
	commander RobotCommander
	registry  Registry

	sem         *semaphore.Weighted
	maxAttempts int
	backoffBase time.Duration
	metrics     *observability.Metrics
	now         func() time.Time

	wg sync.WaitGroup
}

// NewDeployPool creates a pool with the given concurrency bound.
// Non-positive size falls back to the default.
func NewDeployPool(commander RobotCommander, registry Registry, size int) *DeployPool {
	if size <= 0 {
		size = defaultPoolSize
	}
	return &DeployPool{
		commander:   commander,
		registry:    registry,
		sem:         semaphore.NewWeighted(int64(size)),
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		now:         time.Now,
	}
}

// Rollout dispatches deploy commands for each robot and reports outcomes via
// onOutcome. It returns immediately; work continues in the background until
// every robot resolves or ctx is cancelled.
//
// onOutcome is called once per robot that reaches a final outcome (deployed
// or failed after exhausting retries). Robots abandoned by cancellation get
// no callback; their last appended record stays pending.
func (p *DeployPool) Rollout(
	ctx context.Context,
	deploymentID, modelVersionID string,
	robotIDs []string,
	onOutcome func(robotID string, deployed bool),
) {
	for _, robotID := range robotIDs {
		p.wg.Add(1)
		go func(robotID string) {
			defer p.wg.Done()

			if err := p.sem.Acquire(ctx, 1); err != nil {
				return // rollout cancelled while queued
			}
			defer p.sem.Release(1)

			p.appendRecord(deploymentID, robotID, datatypes.RobotOutcomePending, 0, nil)
			deployed, attempts, lastErr := p.deployWithRetry(ctx, robotID, modelVersionID)
			if ctx.Err() != nil && !deployed {
				return // abandoned between retries
			}

			if deployed {
				p.appendRecord(deploymentID, robotID, datatypes.RobotOutcomeDeployed, attempts, nil)
			} else {
				p.appendRecord(deploymentID, robotID, datatypes.RobotOutcomeFailed, attempts, lastErr)
			}
			onOutcome(robotID, deployed)
		}(robotID)
	}
}

// deployWithRetry attempts the deploy command up to maxAttempts times with
// exponential backoff. Returns whether it succeeded, the attempt count, and
// the last error.
func (p *DeployPool) deployWithRetry(ctx context.Context, robotID, modelVersionID string) (bool, int, error) {
	var lastErr error
	delay := p.backoffBase

	// A dispatched command runs to completion even if the rollout is
	// cancelled mid-flight; cancellation is honored only between attempts.
	cmdCtx := context.WithoutCancel(ctx)

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		start := time.Now()
		err := p.commander.Deploy(cmdCtx, robotID, modelVersionID)
		p.metrics.ObserveRobotDeployDuration(time.Since(start).Seconds())
		if err == nil {
			return true, attempt, nil
		}
		lastErr = err
		slog.Warn("robot deploy attempt failed",
			"robot_id", robotID, "attempt", attempt, "max_attempts", p.maxAttempts, "error", err)

		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false, attempt, lastErr
		case <-time.After(delay):
		}
		delay *= 4
	}
	return false, p.maxAttempts, lastErr
}

// RevertAll sends revert commands to every robot concurrently and calls
// onDone with whether all of them confirmed. Reverts get the same retry
// budget as deploys; the caller enforces the overall rollback grace period.
func (p *DeployPool) RevertAll(ctx context.Context, deploymentID string, robotIDs []string, onDone func(allConfirmed bool)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		g, gctx := errgroup.WithContext(ctx)
		var mu sync.Mutex
		confirmed := 0

		for _, robotID := range robotIDs {
			g.Go(func() error {
				if err := p.sem.Acquire(gctx, 1); err != nil {
					return nil
				}
				defer p.sem.Release(1)

				delay := p.backoffBase
				for attempt := 1; attempt <= p.maxAttempts; attempt++ {
					if err := p.commander.Revert(gctx, robotID); err == nil {
						mu.Lock()
						confirmed++
						mu.Unlock()
						return nil
					} else if attempt == p.maxAttempts {
						slog.Warn("robot revert failed after retries",
							"deployment_id", deploymentID, "robot_id", robotID, "error", err)
						return nil
					}
					select {
					case <-gctx.Done():
						return nil
					case <-time.After(delay):
					}
					delay *= 4
				}
				return nil
			})
		}
		_ = g.Wait()
		onDone(confirmed == len(robotIDs))
	}()
}

// Wait blocks until all in-flight work has drained. Used by tests and by
// graceful shutdown.
func (p *DeployPool) Wait() { p.wg.Wait() }

// SetMetrics attaches the Prometheus collectors. All recorders are nil-safe,
// so a pool without metrics still works.
func (p *DeployPool) SetMetrics(m *observability.Metrics) { p.metrics = m }

// SetRetryPolicy overrides the retry budget and backoff base. Intended for
// tests; production uses the 1s/4s/16s defaults.
func (p *DeployPool) SetRetryPolicy(maxAttempts int, backoffBase time.Duration) {
	if maxAttempts > 0 {
		p.maxAttempts = maxAttempts
	}
	if backoffBase > 0 {
		p.backoffBase = backoffBase
	}
}

func (p *DeployPool) appendRecord(deploymentID, robotID string, outcome datatypes.RobotOutcome, attempts int, cmdErr error) {
	rec := datatypes.RobotRecord{
		DeploymentID:  deploymentID,
		RobotID:       robotID,
		Outcome:       outcome,
		AttemptCount:  attempts,
		LastAttemptAt: p.now(),
	}
	if cmdErr != nil {
		rec.Error = cmdErr.Error()
	}
	if err := p.registry.AppendRobotRecord(context.Background(), rec); err != nil {
		slog.Error("failed to append robot record",
			"deployment_id", deploymentID, "robot_id", robotID, "error", err)
	}
}
