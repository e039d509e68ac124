// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robofleet/RoboFleet/services/canary/engine"
	"github.com/robofleet/RoboFleet/services/canary/handlers"
	"github.com/robofleet/RoboFleet/services/canary/storage/badger"
)

// SetupRoutes registers the canary deployment API on the router.
func SetupRoutes(router *gin.Engine, sm *engine.StateMachine, broadcaster *engine.EventBroadcaster, db *badger.DB) {
	router.GET("/health", handlers.Health(db))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		deployments := v1.Group("/deployments")
		{
			deployments.POST("", handlers.CreateDeployment(sm))
			deployments.GET("", handlers.ListDeployments(sm))
			// Event stream first: gin matches literal segments before params.
			deployments.GET("/ws", handlers.HandleDeploymentWebSocket(broadcaster))
			deployments.GET("/:id", handlers.GetDeployment(sm))
			deployments.GET("/:id/metrics", handlers.GetDeploymentMetrics(sm))
			deployments.GET("/:id/robots", handlers.GetDeploymentRobots(sm))
			deployments.POST("/:id/start", handlers.StartDeployment(sm))
			deployments.POST("/:id/promote", handlers.PromoteDeployment(sm))
			deployments.POST("/:id/rollback", handlers.RollbackDeployment(sm))
			deployments.POST("/:id/cancel", handlers.CancelDeployment(sm))
			deployments.POST("/:id/finalize", handlers.FinalizeDeployment(sm))
			deployments.POST("/:id/samples", handlers.IngestSamples(sm))
		}
	}
}
