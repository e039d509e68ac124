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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robofleet/RoboFleet/services/canary/datatypes"
	"github.com/robofleet/RoboFleet/services/canary/observability"
)

// =============================================================================
// Stage Scheduler
// =============================================================================

// SchedulerConfig holds configuration for the background stage scheduler.
//
// # Fields
//
//   - Interval: How often to sweep active deployments. Default: 1 minute.
type SchedulerConfig struct {
	Interval time.Duration
}

// DefaultSchedulerConfig returns production defaults.
//
// A one-minute sweep keeps stage dwell granularity well below the smallest
// realistic dwell configuration while staying cheap for fleet-sized
// deployment counts.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Interval: time.Minute}
}

// StageScheduler is the background actor that drives canary deployments
// forward without operator involvement.
//
// # Description
//
// Each sweep it walks the active deployments and, per deployment:
//   - evaluates the rollback guard and triggers an automatic rollback on
//     a failing verdict (a breach always beats a pending advance)
//   - advances the stage when the guard passes and the minimum dwell time
//     in the current stage has elapsed
//   - force-finalizes deployments stuck in rolling_back past the grace
//     period
//
// Uses the ticker + done channel pattern for graceful shutdown.
//
// # Thread Safety
//
// All public methods are thread-safe. Per-deployment serialization is the
// state machine's job; the scheduler just asks.
type StageScheduler struct {
	sm      *StateMachine
	metrics *observability.Metrics
	config  SchedulerConfig
	now     func() time.Time

	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewStageScheduler creates a scheduler. Metrics may be nil.
func NewStageScheduler(sm *StateMachine, metrics *observability.Metrics, config SchedulerConfig) *StageScheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultSchedulerConfig().Interval
	}
	return &StageScheduler{
		sm:      sm,
		metrics: metrics,
		config:  config,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Start begins the background sweep loop. Returns an error if the scheduler
// is already running.
func (s *StageScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{}) // Reset done channel for potential restart
	s.mu.Unlock()

	slog.Info("stage scheduler starting", "interval", s.config.Interval.String())
	go s.runLoop(ctx)
	return nil
}

// Stop signals the scheduler to stop. Safe to call multiple times; does not
// interrupt a sweep already in progress.
func (s *StageScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	slog.Info("stage scheduler stopping")
	close(s.done)
	s.running = false
}

// RunNow performs one sweep immediately. Useful for tests and manual
// invocation; does not affect the scheduled cadence.
func (s *StageScheduler) RunNow(ctx context.Context) {
	s.sweep(ctx)
}

func (s *StageScheduler) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stage scheduler stopped (context cancelled)")
			return
		case <-s.done:
			slog.Info("stage scheduler stopped (stop requested)")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one full pass: guard/dwell checks on canaries, rollback grace
// enforcement, and the status gauge refresh.
func (s *StageScheduler) sweep(ctx context.Context) {
	deployments, err := s.sm.List(ctx, "")
	if err != nil {
		slog.Error("scheduler sweep: list failed", "error", err)
		return
	}

	counts := make(map[datatypes.DeploymentStatus]int)
	for _, d := range deployments {
		counts[d.Status]++
		if d.Status == datatypes.StatusCanary {
			s.checkCanary(ctx, d)
		}
	}

	s.sm.SweepRollbackTimeouts(ctx)

	for _, status := range datatypes.AllStatuses {
		s.metrics.SetActiveDeployments(string(status), counts[status])
	}
}

// checkCanary applies guard-then-dwell ordering for one canary deployment.
func (s *StageScheduler) checkCanary(ctx context.Context, d *datatypes.Deployment) {
	verdict, err := s.sm.Verdict(ctx, d.ID)
	if err != nil {
		slog.Error("scheduler sweep: guard evaluation failed", "deployment_id", d.ID, "error", err)
		return
	}
	if !verdict.Pass {
		slog.Warn("rollback guard breach detected",
			"deployment_id", d.ID, "breaches", len(verdict.Breaches))
		if _, err := s.sm.Rollback(ctx, d.ID, AutomaticRollbackReason, ActorScheduler); err != nil {
			var conflict *ConflictError
			if !errors.As(err, &conflict) {
				slog.Error("automatic rollback failed", "deployment_id", d.ID, "error", err)
			}
		}
		return
	}

	if !s.dwellElapsed(d) {
		return
	}
	if _, err := s.sm.AdvanceStage(ctx, d.ID, ActorScheduler); err != nil {
		// An operator action can land between the list and the advance;
		// losing that race is routine, anything else is worth a log line.
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			slog.Error("scheduled stage advance failed", "deployment_id", d.ID, "error", err)
		}
	}
}

// dwellElapsed reports whether the deployment has sat in its current stage
// for at least the stage's configured minimum dwell.
func (s *StageScheduler) dwellElapsed(d *datatypes.Deployment) bool {
	stage, ok := d.CurrentStage()
	if !ok || d.StageEnteredAt == nil {
		return false
	}
	dwell := time.Duration(stage.MinDwellMinutes) * time.Minute
	return s.now().Sub(*d.StageEnteredAt) >= dwell
}
