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
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robofleet/RoboFleet/pkg/logging"
	"github.com/robofleet/RoboFleet/services/canary/datatypes"
	"github.com/robofleet/RoboFleet/services/canary/observability"
)

// Actor identifies who requested a transition, for the audit trail.
type Actor string

const (
	ActorOperator  Actor = "operator"
	ActorScheduler Actor = "scheduler"
	ActorSystem    Actor = "system"
)

// AutomaticRollbackReason is recorded when the rollback guard reverts a
// deployment without operator involvement.
const AutomaticRollbackReason = "automatic: threshold breach"

// DefaultRollbackGrace is how long a rolling_back deployment may wait for
// robot confirmations before being force-finalized with a warning.
const DefaultRollbackGrace = 10 * time.Minute

// =============================================================================
// State Machine
// =============================================================================

// StateMachine is the authoritative owner of deployment status and traffic
// percentage. Every mutation, whether from an operator request or a
// scheduler tick, funnels through it.
//
// # Concurrency
//
// All transitions for one deployment id are serialized by a per-id mutex
// (single writer per deployment). The lock is held only for the transition
// decision; robot rollout runs asynchronously in the DeployPool and reports
// back through onRobotOutcome. Reads return snapshots and never block on a
// transition in progress beyond the registry fetch.
type StateMachine struct {
	registry    Registry
	models      ModelRegistry
	resolver    *TargetResolver
	router      TrafficRouter
	pool        *DeployPool
	aggregator  *MetricsAggregator
	guard       *RollbackGuard
	broadcaster *EventBroadcaster
	metrics     *observability.Metrics
	audit       *logging.Logger

	rollbackGrace time.Duration
	now           func() time.Time

	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	rollouts    map[string]*rolloutHandle
	outstanding map[string]int
}

// rolloutHandle is the cancellation scope for one deployment's per-robot
// work. Cancelling it abandons queued robots; in-flight commands finish.
type rolloutHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// StateMachineConfig wires the state machine's collaborators.
type StateMachineConfig struct {
	Registry    Registry
	Models      ModelRegistry
	Fleet       FleetRegistry
	Router      TrafficRouter
	Pool        *DeployPool
	Aggregator  *MetricsAggregator
	Guard       *RollbackGuard
	Broadcaster *EventBroadcaster

	// Metrics may be nil (tests); all recorders are nil-safe.
	Metrics *observability.Metrics

	// Audit receives one entry per accepted transition. May be nil.
	Audit *logging.Logger

	// RollbackGrace defaults to DefaultRollbackGrace when zero.
	RollbackGrace time.Duration
}

// NewStateMachine creates a state machine from its collaborators.
func NewStateMachine(cfg StateMachineConfig) *StateMachine {
	grace := cfg.RollbackGrace
	if grace <= 0 {
		grace = DefaultRollbackGrace
	}
	return &StateMachine{
		registry:      cfg.Registry,
		models:        cfg.Models,
		resolver:      NewTargetResolver(cfg.Fleet),
		router:        cfg.Router,
		pool:          cfg.Pool,
		aggregator:    cfg.Aggregator,
		guard:         cfg.Guard,
		broadcaster:   cfg.Broadcaster,
		metrics:       cfg.Metrics,
		audit:         cfg.Audit,
		rollbackGrace: grace,
		now:           time.Now,
		locks:         make(map[string]*sync.Mutex),
		rollouts:      make(map[string]*rolloutHandle),
		outstanding:   make(map[string]int),
	}
}

// =============================================================================
// Reads
// =============================================================================

// Get returns a snapshot of one deployment.
func (sm *StateMachine) Get(ctx context.Context, id string) (*datatypes.Deployment, error) {
	return sm.registry.GetDeployment(ctx, id)
}

// List returns snapshots of all deployments, optionally filtered by status.
func (sm *StateMachine) List(ctx context.Context, status datatypes.DeploymentStatus) ([]*datatypes.Deployment, error) {
	return sm.registry.ListDeployments(ctx, status)
}

// Metrics returns the deployment's windowed aggregate: the live snapshot
// while it is active, the frozen audit copy once it is terminal.
func (sm *StateMachine) Metrics(ctx context.Context, id string) (datatypes.AggregatedDeploymentMetrics, error) {
	d, err := sm.registry.GetDeployment(ctx, id)
	if err != nil {
		return datatypes.AggregatedDeploymentMetrics{}, err
	}
	if d.Status.IsTerminal() && d.FrozenMetrics != nil {
		return *d.FrozenMetrics, nil
	}

	start := time.Now()
	snapshot := sm.aggregator.Snapshot(id)
	sm.metrics.ObserveSnapshotDuration(time.Since(start).Seconds())
	return snapshot, nil
}

// RobotRecords returns the append-only per-robot outcome log.
func (sm *StateMachine) RobotRecords(ctx context.Context, id string) ([]datatypes.RobotRecord, error) {
	if _, err := sm.registry.GetDeployment(ctx, id); err != nil {
		return nil, err
	}
	return sm.registry.ListRobotRecords(ctx, id)
}

// Verdict evaluates the rollback guard for a deployment without mutating it.
func (sm *StateMachine) Verdict(ctx context.Context, id string) (Verdict, error) {
	d, err := sm.registry.GetDeployment(ctx, id)
	if err != nil {
		return Verdict{}, err
	}
	return sm.guard.Evaluate(d.RollbackThresholds, sm.aggregator.Snapshot(id), d.FailureRate()), nil
}

// =============================================================================
// Create
// =============================================================================

// CreateRequest carries the operator's deployment definition.
type CreateRequest struct {
	ModelVersionID     string
	Strategy           datatypes.Strategy
	Stages             []datatypes.Stage
	RollbackThresholds datatypes.RollbackThresholds
	TargetRobotTypes   []string
	TargetZones        []string
}

// Create validates the request and stores a pending deployment.
//
// Fails with ErrInvalidModelVersion when the model registry does not report
// the version as deployable, and ErrInvalidStageConfig for a bad plan.
func (sm *StateMachine) Create(ctx context.Context, req CreateRequest) (*datatypes.Deployment, error) {
	if req.Strategy == "" {
		req.Strategy = datatypes.StrategyCanary
	}
	if req.Strategy != datatypes.StrategyCanary {
		return nil, fmt.Errorf("%w: unsupported strategy %q", ErrInvalidStageConfig, req.Strategy)
	}
	if err := datatypes.ValidateStages(req.Stages); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStageConfig, err)
	}
	if err := req.RollbackThresholds.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStageConfig, err)
	}

	ok, err := sm.models.IsDeployable(ctx, req.ModelVersionID)
	if err != nil {
		return nil, fmt.Errorf("check model version: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidModelVersion, req.ModelVersionID)
	}

	d := &datatypes.Deployment{
		ID:                 uuid.New().String(),
		ModelVersionID:     req.ModelVersionID,
		Strategy:           req.Strategy,
		Status:             datatypes.StatusPending,
		Stages:             append([]datatypes.Stage(nil), req.Stages...),
		CurrentStageIndex:  -1,
		RollbackThresholds: req.RollbackThresholds,
		TargetRobotTypes:   append([]string(nil), req.TargetRobotTypes...),
		TargetZones:        append([]string(nil), req.TargetZones...),
		CreatedAt:          sm.now(),
	}
	if err := sm.registry.SaveDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("save deployment: %w", err)
	}

	sm.auditLog(d, "", datatypes.StatusPending, ActorOperator, "created")
	return d.Clone(), nil
}

// =============================================================================
// Start
// =============================================================================

// Start moves a pending deployment into deploying and dispatches the first
// wave of per-robot deploys. The deployment becomes canary (stage 0) as soon
// as the first robot confirms.
//
// Fails with ErrNoEligibleRobots when target resolution is empty; the
// deployment stays pending.
func (sm *StateMachine) Start(ctx context.Context, id string) (*datatypes.Deployment, error) {
	unlock := sm.lock(id)
	defer unlock()

	d, err := sm.registry.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != datatypes.StatusPending {
		return nil, &ConflictError{Operation: "start", Current: d.Status}
	}

	targets, err := sm.resolver.Resolve(ctx, d.TargetRobotTypes, d.TargetZones)
	if err != nil {
		return nil, fmt.Errorf("resolve targets: %w", err)
	}
	if len(targets) == 0 {
		return nil, ErrNoEligibleRobots
	}

	from := d.Status
	now := sm.now()
	d.Status = datatypes.StatusDeploying
	d.StartedAt = &now
	if err := sm.registry.SaveDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("save deployment: %w", err)
	}

	wave := SliceForPercentage(d.ID, targets, d.Stages[0].TrafficPercentage)
	handle := sm.ensureRollout(d.ID)
	sm.mu.Lock()
	sm.outstanding[d.ID] = len(wave)
	sm.mu.Unlock()
	sm.pool.Rollout(handle.ctx, d.ID, d.ModelVersionID, wave, sm.onRobotOutcome(d.ID))

	sm.finishTransition(d, from, ActorOperator, "started", datatypes.EventStarted)
	return d.Clone(), nil
}

// =============================================================================
// Advance / Promote
// =============================================================================

// AdvanceStage moves a canary deployment to its next stage.
//
// The rollback guard is evaluated first; a failing verdict short-circuits
// into an automatic rollback instead of advancing, so a breach always wins
// over a concurrent advance. Reaching the final stage sets production.
func (sm *StateMachine) AdvanceStage(ctx context.Context, id string, actor Actor) (*datatypes.Deployment, error) {
	unlock := sm.lock(id)
	defer unlock()

	d, err := sm.registry.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != datatypes.StatusCanary {
		return nil, &ConflictError{Operation: "advance", Current: d.Status}
	}

	snapshot := sm.aggregator.Snapshot(id)
	verdict := sm.guard.Evaluate(d.RollbackThresholds, snapshot, d.FailureRate())
	if !verdict.Pass {
		sm.recordBreaches(verdict)
		return sm.rollbackLocked(ctx, d, AutomaticRollbackReason, actor, verdict)
	}

	next := d.CurrentStageIndex + 1
	if next >= len(d.Stages) {
		return nil, &ConflictError{Operation: "advance", Current: d.Status}
	}

	from := d.Status
	now := sm.now()
	d.CurrentStageIndex = next
	d.TrafficPercentage = d.Stages[next].TrafficPercentage
	d.StageEnteredAt = &now

	event := datatypes.EventStageAdvanced
	note := fmt.Sprintf("advanced to stage %d (%d%%)", next, d.TrafficPercentage)
	if d.OnLastStage() {
		d.Status = datatypes.StatusProduction
		d.FrozenMetrics = &snapshot
		event = datatypes.EventPromoted
		note = "reached production"
	}

	if err := sm.expandRollout(ctx, d); err != nil {
		slog.Warn("stage expansion incomplete", "deployment_id", d.ID, "error", err)
	}
	if err := sm.registry.SaveDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("save deployment: %w", err)
	}

	sm.finishTransition(d, from, actor, note, event)
	return d.Clone(), nil
}

// Promote is the operator fast-path from canary straight to the final
// stage, bypassing remaining dwell times.
//
// Rejected with a BreachError while the guard fails: an operator cannot
// force-promote through an active breach.
func (sm *StateMachine) Promote(ctx context.Context, id string) (*datatypes.Deployment, error) {
	unlock := sm.lock(id)
	defer unlock()

	d, err := sm.registry.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != datatypes.StatusCanary {
		return nil, &ConflictError{Operation: "promote", Current: d.Status}
	}

	snapshot := sm.aggregator.Snapshot(id)
	verdict := sm.guard.Evaluate(d.RollbackThresholds, snapshot, d.FailureRate())
	if !verdict.Pass {
		sm.recordBreaches(verdict)
		return nil, &BreachError{Breaches: verdict.Breaches}
	}

	from := d.Status
	now := sm.now()
	d.CurrentStageIndex = len(d.Stages) - 1
	d.TrafficPercentage = d.Stages[d.CurrentStageIndex].TrafficPercentage
	d.StageEnteredAt = &now
	d.Status = datatypes.StatusProduction
	d.FrozenMetrics = &snapshot

	if err := sm.expandRollout(ctx, d); err != nil {
		slog.Warn("promotion expansion incomplete", "deployment_id", d.ID, "error", err)
	}
	if err := sm.registry.SaveDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("save deployment: %w", err)
	}

	sm.finishTransition(d, from, ActorOperator, "promoted to production", datatypes.EventPromoted)
	return d.Clone(), nil
}

// =============================================================================
// Rollback / Cancel / Finalize
// =============================================================================

// Rollback reverts a deployment. Valid from deploying, canary, and
// production. Idempotent: a deployment already rolling back or rolled back
// is returned as-is, with no duplicate audit entry.
func (sm *StateMachine) Rollback(ctx context.Context, id, reason string, actor Actor) (*datatypes.Deployment, error) {
	unlock := sm.lock(id)
	defer unlock()

	d, err := sm.registry.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case datatypes.StatusRollingBack, datatypes.StatusRolledBack:
		return d.Clone(), nil
	}
	if !d.Status.CanRollback() {
		return nil, &ConflictError{Operation: "rollback", Current: d.Status}
	}
	return sm.rollbackLocked(ctx, d, reason, actor, Verdict{})
}

// rollbackLocked performs the rollback transition. Caller holds the
// per-deployment lock and has verified the current status allows it.
func (sm *StateMachine) rollbackLocked(
	ctx context.Context,
	d *datatypes.Deployment,
	reason string,
	actor Actor,
	verdict Verdict,
) (*datatypes.Deployment, error) {
	from := d.Status
	now := sm.now()
	snapshot := sm.aggregator.Snapshot(d.ID)

	d.Status = datatypes.StatusRollingBack
	d.Reason = reason
	d.TrafficPercentage = 0
	d.StageEnteredAt = &now
	d.FrozenMetrics = &snapshot

	sm.cancelRollout(d.ID)
	if err := sm.router.SetSplit(ctx, d.ModelVersionID, 0, nil); err != nil {
		slog.Warn("traffic revert directive failed", "deployment_id", d.ID, "error", err)
	}
	if err := sm.registry.SaveDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("save deployment: %w", err)
	}

	sm.metrics.RecordTransition(string(from), string(d.Status))
	sm.auditRollback(d, from, actor, reason, verdict)

	// Revert confirmations run against a fresh context bounded by the grace
	// period: the rollout context was just cancelled, and a rollback must
	// not hang past the grace either way.
	revertCtx, cancel := context.WithTimeout(context.Background(), sm.rollbackGrace)
	robots := append([]string(nil), d.DeployedRobotIDs...)
	id := d.ID
	sm.pool.RevertAll(revertCtx, id, robots, func(allConfirmed bool) {
		defer cancel()
		sm.finishRollback(id, allConfirmed, "")
	})

	return d.Clone(), nil
}

// finishRollback moves rolling_back to rolled_back once robots have
// confirmed (or the caller decided to force it). Safe to call more than
// once; only the first call lands.
func (sm *StateMachine) finishRollback(id string, allConfirmed bool, warning string) {
	unlock := sm.lock(id)
	defer unlock()

	ctx := context.Background()
	d, err := sm.registry.GetDeployment(ctx, id)
	if err != nil {
		slog.Error("finish rollback: load failed", "deployment_id", id, "error", err)
		return
	}
	if d.Status != datatypes.StatusRollingBack {
		return
	}

	from := d.Status
	now := sm.now()
	d.Status = datatypes.StatusRolledBack
	d.CompletedAt = &now
	if warning != "" {
		d.Warning = warning
	} else if !allConfirmed {
		d.Warning = "not all robots confirmed reversion"
	}
	if err := sm.registry.SaveDeployment(ctx, d); err != nil {
		slog.Error("finish rollback: save failed", "deployment_id", id, "error", err)
		return
	}

	sm.aggregator.Drop(id)
	sm.finishTransition(d, from, ActorSystem, "rollback finished", datatypes.EventRolledBack)
}

// SweepRollbackTimeouts force-finalizes rolling_back deployments older than
// the grace period. Called by the scheduler each tick so a lost revert
// confirmation cannot leave a deployment pending forever.
func (sm *StateMachine) SweepRollbackTimeouts(ctx context.Context) {
	deployments, err := sm.registry.ListDeployments(ctx, datatypes.StatusRollingBack)
	if err != nil {
		slog.Error("rollback timeout sweep failed", "error", err)
		return
	}
	for _, d := range deployments {
		if d.StageEnteredAt == nil || sm.now().Sub(*d.StageEnteredAt) < sm.rollbackGrace {
			continue
		}
		slog.Warn("rollback grace period elapsed, forcing terminal state", "deployment_id", d.ID)
		sm.finishRollback(d.ID, false, "rollback grace period elapsed before all robots confirmed reversion")
	}
}

// Cancel stops a deployment that has not reached production. A pending
// deployment is cancelled without any robot ever being contacted.
func (sm *StateMachine) Cancel(ctx context.Context, id string) (*datatypes.Deployment, error) {
	unlock := sm.lock(id)
	defer unlock()

	d, err := sm.registry.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Status.CanCancel() {
		return nil, &ConflictError{Operation: "cancel", Current: d.Status}
	}

	from := d.Status
	now := sm.now()
	d.Status = datatypes.StatusCancelled
	d.CompletedAt = &now

	sm.cancelRollout(d.ID)
	if from != datatypes.StatusPending {
		if err := sm.router.SetSplit(ctx, d.ModelVersionID, 0, nil); err != nil {
			slog.Warn("traffic revert directive failed", "deployment_id", d.ID, "error", err)
		}
	}
	if err := sm.registry.SaveDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("save deployment: %w", err)
	}

	sm.aggregator.Drop(id)
	sm.finishTransition(d, from, ActorOperator, "cancelled", datatypes.EventCancelled)
	return d.Clone(), nil
}

// Finalize archives a production deployment as completed. Production
// deployments are kept observable until this explicit step.
func (sm *StateMachine) Finalize(ctx context.Context, id string) (*datatypes.Deployment, error) {
	unlock := sm.lock(id)
	defer unlock()

	d, err := sm.registry.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != datatypes.StatusProduction {
		return nil, &ConflictError{Operation: "finalize", Current: d.Status}
	}

	from := d.Status
	now := sm.now()
	d.Status = datatypes.StatusCompleted
	d.CompletedAt = &now
	if err := sm.registry.SaveDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("save deployment: %w", err)
	}

	sm.aggregator.Drop(id)
	sm.finishTransition(d, from, ActorOperator, "finalized", datatypes.EventCompleted)
	return d.Clone(), nil
}

// =============================================================================
// Sample Ingestion
// =============================================================================

// IngestSample feeds one robot outcome sample into the rolling window and
// notifies subscribers with a fresh snapshot.
func (sm *StateMachine) IngestSample(ctx context.Context, id string, s datatypes.Sample) error {
	d, err := sm.registry.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	if d.Status.IsTerminal() {
		return &ConflictError{Operation: "ingest samples for", Current: d.Status}
	}
	if err := s.Validate(); err != nil {
		return err
	}

	// Samples are tagged with the stage they were observed in, server-side.
	s.StageIndex = d.CurrentStageIndex
	sm.aggregator.Ingest(id, s)
	sm.metrics.RecordSampleIngested()

	snapshot := sm.aggregator.Snapshot(id)
	sm.publish(datatypes.Event{
		Type:         datatypes.EventMetricsUpdated,
		DeploymentID: id,
		Metrics:      &snapshot,
	})
	return nil
}

// =============================================================================
// Robot Outcome Handling
// =============================================================================

// onRobotOutcome returns the callback the pool invokes as each robot
// resolves. The first confirmed robot flips deploying into canary stage 0.
func (sm *StateMachine) onRobotOutcome(id string) func(robotID string, deployed bool) {
	return func(robotID string, deployed bool) {
		unlock := sm.lock(id)
		defer unlock()

		ctx := context.Background()
		d, err := sm.registry.GetDeployment(ctx, id)
		if err != nil {
			slog.Error("robot outcome: load failed", "deployment_id", id, "error", err)
			return
		}

		sm.mu.Lock()
		if sm.outstanding[id] > 0 {
			sm.outstanding[id]--
		}
		remaining := sm.outstanding[id]
		sm.mu.Unlock()

		// Outcomes arriving after cancellation or rollback are kept only in
		// the append-only record log; the terminal record stays as-is.
		switch d.Status {
		case datatypes.StatusDeploying, datatypes.StatusCanary, datatypes.StatusProduction:
		default:
			return
		}

		if d.HasRobot(robotID) {
			return
		}
		if deployed {
			d.DeployedRobotIDs = append(d.DeployedRobotIDs, robotID)
			sm.metrics.RecordRobotDeploy("deployed")
		} else {
			d.FailedRobotIDs = append(d.FailedRobotIDs, robotID)
			sm.metrics.RecordRobotDeploy("failed")
		}

		from := d.Status
		var event datatypes.EventType
		note := ""

		if d.Status == datatypes.StatusDeploying {
			if deployed {
				// First confirmation activates the canary.
				now := sm.now()
				d.Status = datatypes.StatusCanary
				d.CurrentStageIndex = 0
				d.TrafficPercentage = d.Stages[0].TrafficPercentage
				d.StageEnteredAt = &now
				event = datatypes.EventStageAdvanced
				note = fmt.Sprintf("canary active at stage 0 (%d%%)", d.TrafficPercentage)
				if err := sm.router.SetSplit(ctx, d.ModelVersionID, d.TrafficPercentage, d.DeployedRobotIDs); err != nil {
					slog.Warn("traffic split directive failed", "deployment_id", d.ID, "error", err)
				}
			} else if remaining == 0 && len(d.DeployedRobotIDs) == 0 {
				// The whole first wave failed; nothing is running the new
				// version, so the deployment terminates as failed.
				now := sm.now()
				snapshot := sm.aggregator.Snapshot(id)
				d.Status = datatypes.StatusFailed
				d.CompletedAt = &now
				d.FrozenMetrics = &snapshot
				note = "all first-wave robots failed"
			}
		}

		if err := sm.registry.SaveDeployment(ctx, d); err != nil {
			slog.Error("robot outcome: save failed", "deployment_id", id, "error", err)
			return
		}
		if d.Status == datatypes.StatusFailed {
			sm.aggregator.Drop(id)
			sm.cancelRollout(id)
		}
		if d.Status != from {
			sm.finishTransition(d, from, ActorSystem, note, event)
		}
	}
}

// expandRollout re-resolves targets for the current stage and dispatches
// deploys to newly eligible robots. Robots that already have an outcome for
// this deployment, including failed ones, are never re-attempted.
func (sm *StateMachine) expandRollout(ctx context.Context, d *datatypes.Deployment) error {
	targets, err := sm.resolver.Resolve(ctx, d.TargetRobotTypes, d.TargetZones)
	if err != nil {
		return fmt.Errorf("resolve targets: %w", err)
	}

	wave := SliceForPercentage(d.ID, targets, d.TrafficPercentage)
	var fresh []string
	for _, robotID := range wave {
		if !d.HasRobot(robotID) {
			fresh = append(fresh, robotID)
		}
	}

	if err := sm.router.SetSplit(ctx, d.ModelVersionID, d.TrafficPercentage, wave); err != nil {
		slog.Warn("traffic split directive failed", "deployment_id", d.ID, "error", err)
	}
	if len(fresh) == 0 {
		return nil
	}

	handle := sm.ensureRollout(d.ID)
	sm.mu.Lock()
	sm.outstanding[d.ID] += len(fresh)
	sm.mu.Unlock()
	sm.pool.Rollout(handle.ctx, d.ID, d.ModelVersionID, fresh, sm.onRobotOutcome(d.ID))
	return nil
}

// =============================================================================
// Internal Plumbing
// =============================================================================

// lock acquires the per-deployment mutex and returns its unlock func.
func (sm *StateMachine) lock(id string) func() {
	sm.mu.Lock()
	l, ok := sm.locks[id]
	if !ok {
		l = &sync.Mutex{}
		sm.locks[id] = l
	}
	sm.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (sm *StateMachine) ensureRollout(id string) *rolloutHandle {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if h, ok := sm.rollouts[id]; ok && h.ctx.Err() == nil {
		return h
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &rolloutHandle{ctx: ctx, cancel: cancel}
	sm.rollouts[id] = h
	return h
}

func (sm *StateMachine) cancelRollout(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if h, ok := sm.rollouts[id]; ok {
		h.cancel()
		delete(sm.rollouts, id)
	}
	delete(sm.outstanding, id)
}

// finishTransition is the shared tail of every accepted transition: counter,
// audit entry, broadcast. Caller has already saved the record.
func (sm *StateMachine) finishTransition(d *datatypes.Deployment, from datatypes.DeploymentStatus, actor Actor, note string, event datatypes.EventType) {
	sm.metrics.RecordTransition(string(from), string(d.Status))
	sm.auditLog(d, from, d.Status, actor, note)
	if event != "" {
		sm.publish(datatypes.Event{
			Type:         event,
			DeploymentID: d.ID,
			Deployment:   d.Clone(),
		})
	}
}

func (sm *StateMachine) publish(evt datatypes.Event) {
	evt.Timestamp = sm.now()
	sm.broadcaster.Publish(evt)
	sm.metrics.RecordEvent(string(evt.Type))
}

func (sm *StateMachine) auditLog(d *datatypes.Deployment, from, to datatypes.DeploymentStatus, actor Actor, note string) {
	if sm.audit == nil {
		return
	}
	sm.audit.Info("deployment transition",
		"deployment_id", d.ID,
		"model_version_id", d.ModelVersionID,
		"from", string(from),
		"to", string(to),
		"stage", d.CurrentStageIndex,
		"traffic_percentage", d.TrafficPercentage,
		"actor", string(actor),
		"note", note,
	)
}

func (sm *StateMachine) auditRollback(d *datatypes.Deployment, from datatypes.DeploymentStatus, actor Actor, reason string, verdict Verdict) {
	if sm.audit == nil {
		return
	}
	args := []any{
		"deployment_id", d.ID,
		"model_version_id", d.ModelVersionID,
		"from", string(from),
		"to", string(d.Status),
		"actor", string(actor),
		"reason", reason,
	}
	for _, b := range verdict.Breaches {
		args = append(args,
			"breach_"+b.Metric, fmt.Sprintf("observed=%v threshold=%v", b.Observed, b.Threshold))
	}
	sm.audit.Info("deployment rollback", args...)
}

func (sm *StateMachine) recordBreaches(v Verdict) {
	for _, b := range v.Breaches {
		sm.metrics.RecordGuardBreach(b.Metric)
	}
}
