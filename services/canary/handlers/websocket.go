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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/robofleet/RoboFleet/services/canary/engine"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
}

// HandleDeploymentWebSocket handles GET /v1/deployments/ws.
//
// The socket is push-only: on connect the client is subscribed to the
// deployment event stream and every event is written as one JSON message.
// Delivery is at-most-once; the admin UI reconciles by re-fetching after a
// reconnect. Inbound messages are read only to detect disconnect.
func HandleDeploymentWebSocket(broadcaster *engine.EventBroadcaster) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		events, cancel := broadcaster.Subscribe()
		defer cancel()
		slog.Info("deployment event subscriber connected", "remote", ws.RemoteAddr().String())

		// Reader goroutine: discard client frames, signal on disconnect.
		disconnected := make(chan struct{})
		go func() {
			defer close(disconnected)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-disconnected:
				slog.Info("deployment event subscriber disconnected", "remote", ws.RemoteAddr().String())
				return
			case evt, ok := <-events:
				if !ok {
					// Broadcaster shut down; close politely.
					_ = ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
					return
				}
				if err := ws.WriteJSON(evt); err != nil {
					slog.Warn("failed to write event to websocket", "error", err)
					return
				}
			}
		}
	}
}
