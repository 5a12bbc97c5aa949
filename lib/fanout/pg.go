// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"git.cloudcontain.net/cloudcontain.git/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PostgreSQL rejects NOTIFY payloads of 8000 bytes or more.
const maxNotifyPayload = 7999

// PGPublisher publishes events with pg_notify on a single channel.
type PGPublisher struct {
	DB      *sqlx.DB
	Channel string
}

func (p *PGPublisher) Publish(ctx context.Context, key, name string, payload interface{}) error {
	ev, err := newEvent(key, name, payload)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if len(buf) > maxNotifyPayload {
		return fmt.Errorf("event payload too large (%d bytes)", len(buf))
	}
	_, err = p.DB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, p.Channel, string(buf))
	return err
}

// Listener receives events published by any server process and
// delivers them to a Hub.
type Listener struct {
	DataSource string
	Channel    string
	Hub        *Hub

	// Called when the listener connection is established.
	// Tests use this to wait for readiness.
	OnReady func()
}

// Run listens until ctx is done. Dropped connections are
// re-established by pq; events published while disconnected are
// lost, and subscribers are expected to resync by fetching job
// state.
func (l *Listener) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx).WithField("Channel", l.Channel)
	problem := func(et pq.ListenerEventType, err error) {
		switch et {
		case pq.ListenerEventConnected:
			logger.Debug("listener connected")
			if l.OnReady != nil {
				l.OnReady()
			}
		case pq.ListenerEventReconnected:
			logger.Info("listener reconnected")
		default:
			logger.WithField("EventType", et).WithError(err).Warn("listener problem")
		}
	}
	pql := pq.NewListener(l.DataSource, time.Second, time.Minute, problem)
	defer pql.Close()
	err := pql.Listen(l.Channel)
	if err != nil {
		return fmt.Errorf("pq Listen: %w", err)
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			go pql.Ping()
		case n, ok := <-pql.Notify:
			if !ok {
				return nil
			}
			if n == nil {
				// Connection was lost and re-established.
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				logger.WithError(err).WithField("Payload", n.Extra).Warn("ignoring malformed event")
				continue
			}
			logger.WithFields(logrus.Fields{
				"Key":   ev.Key,
				"Event": ev.Name,
			}).Debug("event received")
			l.Hub.Deliver(ev)
		}
	}
}
