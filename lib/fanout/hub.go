// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fanout

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Hub delivers events to in-process subscribers. It also implements
// Publisher, delivering directly to its own subscribers, which is
// sufficient when only one server process is running.
type Hub struct {
	// Events buffered per subscriber. A subscriber that falls
	// further behind is disconnected.
	QueueSize int
	Logger    logrus.FieldLogger

	mtx   sync.Mutex
	sinks map[string]map[*Sink]bool

	eventsIn  uint64
	eventsOut uint64
}

// A Sink receives events for one key until Stop is called or the
// subscriber falls behind.
type Sink struct {
	hub     *Hub
	key     string
	channel chan Event
	closed  bool
}

// Subscribe returns a Sink that receives all events delivered for
// key.
func (h *Hub) Subscribe(key string) *Sink {
	qsize := h.QueueSize
	if qsize <= 0 {
		qsize = 64
	}
	sink := &Sink{hub: h, key: key, channel: make(chan Event, qsize)}
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.sinks == nil {
		h.sinks = map[string]map[*Sink]bool{}
	}
	if h.sinks[key] == nil {
		h.sinks[key] = map[*Sink]bool{}
	}
	h.sinks[key][sink] = true
	return sink
}

// Channel returns the sink's event channel. It is closed when the
// sink is stopped.
func (s *Sink) Channel() <-chan Event {
	return s.channel
}

// Stop unsubscribes the sink and closes its channel.
func (s *Sink) Stop() {
	s.hub.mtx.Lock()
	defer s.hub.mtx.Unlock()
	s.hub.removeLocked(s)
}

func (h *Hub) removeLocked(s *Sink) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.channel)
	delete(h.sinks[s.key], s)
	if len(h.sinks[s.key]) == 0 {
		delete(h.sinks, s.key)
	}
}

// Deliver sends ev to every sink subscribed to ev.Key.
func (h *Hub) Deliver(ev Event) {
	atomic.AddUint64(&h.eventsIn, 1)
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for sink := range h.sinks[ev.Key] {
		select {
		case sink.channel <- ev:
			atomic.AddUint64(&h.eventsOut, 1)
		default:
			if h.Logger != nil {
				h.Logger.WithField("Key", ev.Key).Warn("subscriber queue full, disconnecting")
			}
			h.removeLocked(sink)
		}
	}
}

// Publish implements Publisher.
func (h *Hub) Publish(ctx context.Context, key, name string, payload interface{}) error {
	ev, err := newEvent(key, name, payload)
	if err != nil {
		return err
	}
	h.Deliver(ev)
	return nil
}

// Subscribers returns the number of sinks subscribed to key.
func (h *Hub) Subscribers(key string) int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.sinks[key])
}
