// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fanout

import (
	"net/http"
	"time"

	"git.cloudcontain.net/cloudcontain.git/sdk/go/ctxlog"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/httpserver"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
)

// Relay is an http.Handler that upgrades requests to websocket
// connections and forwards Hub events to the client.
type Relay struct {
	Hub *Hub

	// Authorize returns the key the client may subscribe to, or
	// an error if the request is not allowed.
	Authorize func(*http.Request) (key string, err error)

	// Writes the response when Authorize fails. If nil, the
	// error is reported with httpserver.ErrorFor.
	Reject func(http.ResponseWriter, *http.Request, error)

	// Interval between keepalive pings. Zero means 30s.
	PingInterval time.Duration
}

type message struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

func (rly *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, err := rly.Authorize(r)
	if err != nil {
		if rly.Reject != nil {
			rly.Reject(w, r, err)
		} else {
			httpserver.ErrorFor(w, err)
		}
		return
	}
	websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: websocket.Handler(func(ws *websocket.Conn) {
			rly.relay(ws, key)
		}),
	}.ServeHTTP(w, r)
}

func (rly *Relay) relay(ws *websocket.Conn, key string) {
	defer ws.Close()
	t0 := time.Now()
	log := ctxlog.FromContext(ws.Request().Context()).WithField("Key", key)
	log.Info("connected")

	sink := rly.Hub.Subscribe(key)
	defer sink.Stop()

	// Reader: notice when the client goes away. Incoming
	// messages are ignored.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard []byte
		for websocket.Message.Receive(ws, &discard) == nil {
		}
	}()

	interval := rly.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	defer func() {
		log.WithFields(logrus.Fields{
			"elapsed": time.Since(t0).Seconds(),
			"sent":    sent,
		}).Info("disconnect")
	}()
	for {
		var msg message
		select {
		case <-gone:
			return
		case ev, ok := <-sink.Channel():
			if !ok {
				// Hub dropped us for falling behind.
				return
			}
			msg = message{Event: ev.Name, Payload: ev.Payload}
		case <-ticker.C:
			msg = message{Event: "ping"}
		}
		ws.SetWriteDeadline(time.Now().Add(interval))
		if err := websocket.JSON.Send(ws, msg); err != nil {
			log.WithError(err).Debug("send failed")
			return
		}
		if msg.Event != "ping" {
			sent++
		}
	}
}
