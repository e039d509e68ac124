// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/robofleet/RoboFleet/services/canary/storage/badger"
)

// Health handles GET /health. Reports degraded when the deployment store is
// closed, since the service cannot accept transitions without it.
func Health(db *badger.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db == nil || db.IsClosed() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": "closed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
