// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the canary
// deployment service.
//
// # Description
//
// Metrics cover the orchestration hot paths:
//   - State transitions (by from/to status)
//   - Per-robot deploy attempts (by outcome)
//   - Rollback guard breaches (by metric)
//   - Sample ingestion volume and snapshot latency
//   - Active deployment gauge (by status)
//
// # Integration
//
// Metrics are exposed on /metrics. All operations are thread-safe via
// Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "robofleet"

const canarySubsystem = "canary"

// Metrics holds all Prometheus collectors for the canary service.
// Initialize once at startup via InitMetrics().
type Metrics struct {
	// TransitionsTotal counts accepted state transitions.
	// Labels: from, to
	TransitionsTotal *prometheus.CounterVec

	// RobotDeploysTotal counts per-robot deploy resolutions.
	// Labels: outcome (deployed, failed)
	RobotDeploysTotal *prometheus.CounterVec

	// RobotDeployDurationSeconds measures individual robot deploy command
	// latency. Robot deploys are seconds-scale (model download + activate),
	// unlike the millisecond-scale inference path.
	RobotDeployDurationSeconds prometheus.Histogram

	// SnapshotDurationSeconds measures windowed-aggregate computation on the
	// metrics read path.
	SnapshotDurationSeconds prometheus.Histogram

	// GuardBreachesTotal counts rollback guard breaches by metric.
	// Labels: metric (errorRate, latencyP99Ms, failureRate)
	GuardBreachesTotal *prometheus.CounterVec

	// SamplesIngestedTotal counts metric samples accepted for aggregation.
	SamplesIngestedTotal prometheus.Counter

	// ActiveDeployments tracks deployments by status. Set by the scheduler
	// sweep each tick.
	// Labels: status
	ActiveDeployments *prometheus.GaugeVec

	// EventsPublishedTotal counts broadcast events by type.
	EventsPublishedTotal *prometheus.CounterVec
}

// Default is the singleton instance, initialized by InitMetrics().
var Default *Metrics

// InitMetrics creates and registers all collectors on the default registry.
// Call once at startup.
func InitMetrics() *Metrics {
	m := &Metrics{
		TransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: canarySubsystem,
			Name:      "transitions_total",
			Help:      "Accepted deployment state transitions by from/to status.",
		}, []string{"from", "to"}),

		RobotDeploysTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: canarySubsystem,
			Name:      "robot_deploys_total",
			Help:      "Per-robot deploy resolutions by outcome.",
		}, []string{"outcome"}),

		RobotDeployDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: canarySubsystem,
			Name:      "robot_deploy_duration_seconds",
			Help:      "Latency of individual robot deploy commands.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),

		SnapshotDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: canarySubsystem,
			Name:      "snapshot_duration_seconds",
			Help:      "Latency of windowed metrics aggregation.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		GuardBreachesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: canarySubsystem,
			Name:      "guard_breaches_total",
			Help:      "Rollback guard threshold breaches by metric.",
		}, []string{"metric"}),

		SamplesIngestedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: canarySubsystem,
			Name:      "samples_ingested_total",
			Help:      "Metric samples accepted for aggregation.",
		}),

		ActiveDeployments: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: canarySubsystem,
			Name:      "active_deployments",
			Help:      "Deployments by current status.",
		}, []string{"status"}),

		EventsPublishedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: canarySubsystem,
			Name:      "events_published_total",
			Help:      "Broadcast deployment events by type.",
		}, []string{"type"}),
	}
	Default = m
	return m
}

// RecordTransition increments the transition counter if metrics are
// initialized. Safe to call with a nil receiver so the engine can run
// without metrics in tests.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordRobotDeploy increments the per-robot outcome counter.
func (m *Metrics) RecordRobotDeploy(outcome string) {
	if m == nil {
		return
	}
	m.RobotDeploysTotal.WithLabelValues(outcome).Inc()
}

// ObserveRobotDeployDuration records the latency of one deploy command
// attempt.
func (m *Metrics) ObserveRobotDeployDuration(seconds float64) {
	if m == nil {
		return
	}
	m.RobotDeployDurationSeconds.Observe(seconds)
}

// ObserveSnapshotDuration records the latency of one aggregation pass.
func (m *Metrics) ObserveSnapshotDuration(seconds float64) {
	if m == nil {
		return
	}
	m.SnapshotDurationSeconds.Observe(seconds)
}

// RecordGuardBreach increments the breach counter for one metric.
func (m *Metrics) RecordGuardBreach(metric string) {
	if m == nil {
		return
	}
	m.GuardBreachesTotal.WithLabelValues(metric).Inc()
}

// RecordSampleIngested increments the ingestion counter.
func (m *Metrics) RecordSampleIngested() {
	if m == nil {
		return
	}
	m.SamplesIngestedTotal.Inc()
}

// RecordEvent increments the published-event counter.
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// SetActiveDeployments records the per-status deployment count.
func (m *Metrics) SetActiveDeployments(status string, count int) {
	if m == nil {
		return
	}
	m.ActiveDeployments.WithLabelValues(status).Set(float64(count))
}
