// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package fanout announces job events to live subscribers. Events are
// published with PostgreSQL NOTIFY, received by every server process
// with LISTEN, and relayed to websocket clients subscribed to the
// event's container.
package fanout

import (
	"context"
	"encoding/json"
)

// EventJobQueued is published when a job is accepted.
const EventJobQueued = "job-queued"

// Event is a message on a container's channel.
type Event struct {
	// Channel key, i.e., container ID.
	Key     string          `json:"key"`
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// A Publisher sends an event to everyone subscribed to key.
type Publisher interface {
	Publish(ctx context.Context, key, name string, payload interface{}) error
}

func newEvent(key, name string, payload interface{}) (Event, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Key: key, Name: name, Payload: buf}, nil
}
