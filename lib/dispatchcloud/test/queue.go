// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"encoding/json"
	"sync"

	"git.cloudcontain.net/cloudcontain.git/lib/fanout"
	"git.cloudcontain.net/cloudcontain.git/lib/workqueue"
)

// Queue is a workqueue.Queue that records sent messages. Like SQS
// FIFO queues, it drops a message whose JobID was already accepted.
type Queue struct {
	// If non-nil, returned by Send.
	Err error

	mtx  sync.Mutex
	msgs []workqueue.Message
	seen map[string]bool
}

func (q *Queue) Send(ctx context.Context, msg workqueue.Message) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.Err != nil {
		return q.Err
	}
	if q.seen == nil {
		q.seen = map[string]bool{}
	}
	if q.seen[msg.JobID] {
		return nil
	}
	q.seen[msg.JobID] = true
	q.msgs = append(q.msgs, msg)
	return nil
}

// Messages returns the accepted messages in order.
func (q *Queue) Messages() []workqueue.Message {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return append([]workqueue.Message(nil), q.msgs...)
}

// Publisher is a fanout.Publisher that records published events.
type Publisher struct {
	// If non-nil, returned by Publish.
	Err error

	mtx    sync.Mutex
	events []fanout.Event
}

func (p *Publisher) Publish(ctx context.Context, key, name string, payload interface{}) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.Err != nil {
		return p.Err
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.events = append(p.events, fanout.Event{Key: key, Name: name, Payload: buf})
	return nil
}

// Events returns the published events in order.
func (p *Publisher) Events() []fanout.Event {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]fanout.Event(nil), p.events...)
}
