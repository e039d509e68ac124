// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the gin HTTP handlers for the canary deployment
// API. Handlers translate between the REST surface and the engine; all
// domain rules live in the engine.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/robofleet/RoboFleet/services/canary/datatypes"
	"github.com/robofleet/RoboFleet/services/canary/engine"
)

// CreateDeploymentRequest is the POST /v1/deployments body.
type CreateDeploymentRequest struct {
	ModelVersionID     string                       `json:"modelVersionId" binding:"required"`
	Strategy           string                       `json:"strategy" binding:"omitempty,oneof=canary"`
	Stages             []datatypes.Stage            `json:"stages" binding:"required,min=1"`
	RollbackThresholds datatypes.RollbackThresholds `json:"rollbackThresholds"`
	TargetRobotTypes   []string                     `json:"targetRobotTypes"`
	TargetZones        []string                     `json:"targetZones"`
}

// RollbackRequest is the POST /v1/deployments/:id/rollback body.
type RollbackRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// IngestSampleRequest is the POST /v1/deployments/:id/samples body.
type IngestSampleRequest struct {
	RobotID       string     `json:"robotId" binding:"required"`
	LatencyMs     float64    `json:"latencyMs" binding:"min=0"`
	IsError       bool       `json:"isError"`
	TaskSucceeded bool       `json:"taskSucceeded"`
	Timestamp     *time.Time `json:"timestamp"`
}

// CreateDeployment handles POST /v1/deployments.
func CreateDeployment(sm *engine.StateMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateDeploymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		d, err := sm.Create(c.Request.Context(), engine.CreateRequest{
			ModelVersionID:     req.ModelVersionID,
			Strategy:           datatypes.Strategy(req.Strategy),
			Stages:             req.Stages,
			RollbackThresholds: req.RollbackThresholds,
			TargetRobotTypes:   req.TargetRobotTypes,
			TargetZones:        req.TargetZones,
		})
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusCreated, d)
	}
}

// ListDeployments handles GET /v1/deployments with an optional ?status=
// filter.
func ListDeployments(sm *engine.StateMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := datatypes.DeploymentStatus(c.Query("status"))
		if status != "" && !validStatus(status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status filter: " + string(status)})
			return
		}

		deployments, err := sm.List(c.Request.Context(), status)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		if deployments == nil {
			deployments = []*datatypes.Deployment{}
		}
		c.JSON(http.StatusOK, gin.H{"deployments": deployments})
	}
}

// GetDeployment handles GET /v1/deployments/:id.
func GetDeployment(sm *engine.StateMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := sm.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

// GetDeploymentMetrics handles GET /v1/deployments/:id/metrics.
func GetDeploymentMetrics(sm *engine.StateMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, err := sm.Metrics(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

// GetDeploymentRobots handles GET /v1/deployments/:id/robots, returning the
// append-only per-robot outcome log.
func GetDeploymentRobots(sm *engine.StateMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := sm.RobotRecords(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeEngineError(c, err)
			return
		}
		if records == nil {
			records = []datatypes.RobotRecord{}
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	}
}

// StartDeployment handles POST /v1/deployments/:id/start.
func StartDeployment(sm *engine.StateMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := sm.Start(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

// PromoteDeployment handles POST /v1/deployments/:id/promote.
func PromoteDeployment(sm *engine.StateMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := sm.Promote(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

// RollbackDeployment handles POST /v1/deployments/:id/rollback.
func RollbackDeployment(sm *engine.StateMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RollbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		d, err := sm.Rollback(c.Request.Context(), c.Param("id"), req.Reason, engine.ActorOperator)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

// CancelDeployment handles POST /v1/deployments/:id/cancel.
func CancelDeployment(sm *engine.StateMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := sm.Cancel(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

// FinalizeDeployment handles POST /v1/deployments/:id/finalize.
func FinalizeDeployment(sm *engine.StateMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := sm.Finalize(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

// IngestSamples handles POST /v1/deployments/:id/samples. Robots report
// inference outcomes here (usually batched by the edge gateway, one call per
// sample).
func IngestSamples(sm *engine.StateMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IngestSampleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		sample := datatypes.Sample{
			RobotID:       req.RobotID,
			LatencyMs:     req.LatencyMs,
			IsError:       req.IsError,
			TaskSucceeded: req.TaskSucceeded,
		}
		if req.Timestamp != nil {
			sample.Timestamp = *req.Timestamp
		} else {
			// Edge gateways usually stamp samples; robots reporting directly
			// may not, so ingest time is close enough.
			sample.Timestamp = time.Now()
		}

		if err := sm.IngestSample(c.Request.Context(), c.Param("id"), sample); err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	}
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
// Conflicts include the deployment's actual status so the UI can reconcile
// its store instead of guessing.
func writeEngineError(c *gin.Context, err error) {
	var conflict *engine.ConflictError
	var breach *engine.BreachError

	switch {
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &breach):
		c.JSON(http.StatusConflict, gin.H{
			"error":    breach.Error(),
			"breaches": breach.Breaches,
		})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":         conflict.Error(),
			"currentStatus": conflict.Current,
		})
	case errors.Is(err, engine.ErrInvalidModelVersion),
		errors.Is(err, engine.ErrInvalidStageConfig),
		errors.Is(err, engine.ErrNoEligibleRobots):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("deployment request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func validStatus(status datatypes.DeploymentStatus) bool {
	for _, s := range datatypes.AllStatuses {
		if s == status {
			return true
		}
	}
	return false
}
