// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatcher records an admitted job, announces it, and hands
// it to the worker fleet.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"git.cloudcontain.net/cloudcontain.git/lib/dispatchcloud/node"
	"git.cloudcontain.net/cloudcontain.git/lib/fanout"
	"git.cloudcontain.net/cloudcontain.git/lib/workqueue"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Ledger is the subset of ledger.Ledger used by the dispatcher.
type Ledger interface {
	Create(ctx context.Context, containerID, userID string, status cloudcontain.JobStatus, node *string) (cloudcontain.Job, error)
	Remove(ctx context.Context, jobID string) error
}

type Dispatcher struct {
	Ledger    Ledger
	Publisher fanout.Publisher
	Queue     workqueue.Queue

	setupOnce      sync.Once
	mPublishErrors prometheus.Counter
	mEnqueueErrors prometheus.Counter
}

// New returns a Dispatcher with metrics registered in reg.
func New(ledger Ledger, pub fanout.Publisher, queue workqueue.Queue, reg *prometheus.Registry) *Dispatcher {
	d := &Dispatcher{
		Ledger:    ledger,
		Publisher: pub,
		Queue:     queue,
	}
	d.registerMetrics(reg)
	return d
}

func (d *Dispatcher) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	d.mPublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cloudcontain",
		Subsystem: "dispatch",
		Name:      "publish_errors_total",
		Help:      "Number of job events that could not be published.",
	})
	reg.MustRegister(d.mPublishErrors)
	d.mEnqueueErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cloudcontain",
		Subsystem: "dispatch",
		Name:      "enqueue_errors_total",
		Help:      "Number of jobs that could not be sent to the work queue.",
	})
	reg.MustRegister(d.mEnqueueErrors)
}

// Dispatch creates a job in the allocation's initial status,
// publishes a job-queued event, and sends the job to the work queue.
//
// Once the job record exists, the remaining steps run to completion
// even if ctx is cancelled. If the work queue rejects the job, the
// job record is removed so the container is not left with an active
// job that no worker will ever see.
func (d *Dispatcher) Dispatch(ctx context.Context, containerID, userID string, alloc node.Allocation) (cloudcontain.Job, error) {
	d.setupOnce.Do(func() {
		if d.mPublishErrors == nil {
			d.registerMetrics(nil)
		}
	})
	job, err := d.Ledger.Create(ctx, containerID, userID, alloc.Status, alloc.Node)
	if err != nil {
		return cloudcontain.Job{}, err
	}
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"ContainerID": containerID,
		"JobID":       job.ID,
		"Status":      job.Status,
	})
	ctx = context.WithoutCancel(ctx)

	if err := d.Publisher.Publish(ctx, containerID, fanout.EventJobQueued, job.Snapshot()); err != nil {
		d.mPublishErrors.Inc()
		logger.WithError(fmt.Errorf("%w: %w", cloudcontain.ErrPublish, err)).Warn("failed to publish job-queued event")
	}

	err = d.Queue.Send(ctx, workqueue.Message{
		JobID:       job.ID,
		ContainerID: containerID,
		Queued:      job.Queued,
	})
	if err != nil {
		d.mEnqueueErrors.Inc()
		logger.WithError(err).Error("failed to send job to work queue")
		if rmErr := d.Ledger.Remove(ctx, job.ID); rmErr != nil {
			logger.WithError(rmErr).Error("failed to remove unqueued job; it will stay active until swept")
		}
		return cloudcontain.Job{}, fmt.Errorf("%w: %w", cloudcontain.ErrEnqueue, err)
	}
	logger.Info("job queued")
	return job, nil
}
