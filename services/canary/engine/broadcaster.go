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
	"log/slog"
	"sync"
	"time"

	"github.com/robofleet/RoboFleet/services/canary/datatypes"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind than this loses events; at-most-once delivery is part
// of the event contract and clients reconcile by re-fetching.
const subscriberBuffer = 16

// EventBroadcaster fans deployment events out to in-process subscribers
// (the WebSocket handler bridges them to browser clients).
//
// # Thread Safety
//
// Publish, Subscribe, and the returned cancel funcs are all safe for
// concurrent use. Publish never blocks on a slow subscriber.
type EventBroadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan datatypes.Event
	closed bool
}

// NewEventBroadcaster creates an empty broadcaster.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{subs: make(map[int]chan datatypes.Event)}
}

// Subscribe registers a new subscriber and returns its event channel plus a
// cancel func. The channel is closed on cancel or broadcaster Close.
func (b *EventBroadcaster) Subscribe() (<-chan datatypes.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan datatypes.Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every current subscriber. Subscribers whose
// buffers are full are skipped rather than blocked on.
func (b *EventBroadcaster) Publish(evt datatypes.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			slog.Debug("dropping event for slow subscriber",
				"subscriber", id, "type", string(evt.Type), "deployment_id", evt.DeploymentID)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *EventBroadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close shuts the broadcaster down and closes all subscriber channels.
// Publish and Subscribe become no-ops afterwards.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
