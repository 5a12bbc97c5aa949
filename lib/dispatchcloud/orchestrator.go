// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchcloud

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"git.cloudcontain.net/cloudcontain.git/lib/dblock"
	"git.cloudcontain.net/cloudcontain.git/lib/dispatchcloud/admission"
	"git.cloudcontain.net/cloudcontain.git/lib/dispatchcloud/ledger"
	"git.cloudcontain.net/cloudcontain.git/lib/dispatchcloud/node"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ErrJobNotFound is returned when a container exists and is
// accessible but the requested job does not belong to it.
var ErrJobNotFound = fmt.Errorf("job %w", cloudcontain.ErrNotFound)

// An Allocator decides where a new job will run.
type Allocator interface {
	AllocateCapacity(context.Context) (node.Allocation, error)
}

// A JobDispatcher records a job and hands it to the worker fleet.
type JobDispatcher interface {
	Dispatch(ctx context.Context, containerID, userID string, alloc node.Allocation) (cloudcontain.Job, error)
}

// JobReader returns existing jobs and their logs.
type JobReader interface {
	List(ctx context.Context, containerID string, offset int) ([]cloudcontain.Job, error)
	Get(ctx context.Context, containerID, jobID string) (cloudcontain.Job, error)
	Logs(ctx context.Context, jobID string, offset int) ([]cloudcontain.LogEntry, error)
}

// Orchestrator runs execute requests: admission, capacity
// allocation, and dispatch, in that order.
type Orchestrator struct {
	Locker     dblock.Locker
	Admission  *admission.Controller
	Nodes      Allocator
	Dispatcher JobDispatcher
	Jobs       JobReader

	setupOnce sync.Once
	mExecute  *prometheus.CounterVec
}

// NewOrchestrator returns an Orchestrator with metrics registered in
// reg.
func NewOrchestrator(locker dblock.Locker, ac *admission.Controller, nodes Allocator, disp JobDispatcher, jobs JobReader, reg *prometheus.Registry) *Orchestrator {
	o := &Orchestrator{
		Locker:     locker,
		Admission:  ac,
		Nodes:      nodes,
		Dispatcher: disp,
		Jobs:       jobs,
	}
	o.registerMetrics(reg)
	return o
}

func (o *Orchestrator) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	o.mExecute = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudcontain",
		Subsystem: "dispatch",
		Name:      "execute_total",
		Help:      "Number of execute requests, by result.",
	}, []string{"result"})
	reg.MustRegister(o.mExecute)
}

var resultLabels = []struct {
	err   error
	label string
}{
	{cloudcontain.ErrNotFound, "not_found"},
	{cloudcontain.ErrForbidden, "forbidden"},
	{cloudcontain.ErrAlreadyRunning, "already_running"},
	{cloudcontain.ErrRateLimited, "rate_limited"},
	{cloudcontain.ErrProvisioning, "provisioning_error"},
	{cloudcontain.ErrEnqueue, "enqueue_error"},
	{cloudcontain.ErrPersistence, "persistence_error"},
}

func resultLabel(err error) string {
	if err == nil {
		return "created"
	}
	for _, rl := range resultLabels {
		if errors.Is(err, rl.err) {
			return rl.label
		}
	}
	return "error"
}

// Execute creates a job for containerID on behalf of userID.
//
// Requests for the same user, and requests for the same container,
// are serialized, so admission checks cannot be invalidated by a
// concurrent request before the job is recorded.
func (o *Orchestrator) Execute(ctx context.Context, containerID, userID string) (job cloudcontain.Job, err error) {
	o.setupOnce.Do(func() {
		if o.mExecute == nil {
			o.registerMetrics(nil)
		}
	})
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"ContainerID": containerID,
		"UserID":      userID,
	})
	ctx = ctxlog.Context(ctx, logger)
	defer func() {
		o.mExecute.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			logger.WithError(err).Info("execute request rejected")
		}
	}()

	unlock, err := dblock.LockAll(ctx, o.Locker, "user:"+userID, "container:"+containerID)
	if err != nil {
		return cloudcontain.Job{}, fmt.Errorf("%w: %w", cloudcontain.ErrPersistence, err)
	}
	defer unlock()

	if err = o.Admission.Admit(ctx, containerID, userID); err != nil {
		return cloudcontain.Job{}, err
	}
	alloc, err := o.Nodes.AllocateCapacity(ctx)
	if err != nil {
		return cloudcontain.Job{}, err
	}
	return o.Dispatcher.Dispatch(ctx, containerID, userID, alloc)
}

// ListJobs returns one page of the container's jobs, most recent
// first.
func (o *Orchestrator) ListJobs(ctx context.Context, containerID, userID string, offset int) ([]cloudcontain.Job, error) {
	if err := o.Admission.Authorize(ctx, containerID, userID); err != nil {
		return nil, err
	}
	return o.Jobs.List(ctx, containerID, offset)
}

// GetJob returns a single job belonging to the container.
func (o *Orchestrator) GetJob(ctx context.Context, containerID, jobID, userID string) (cloudcontain.Job, error) {
	if err := o.Admission.Authorize(ctx, containerID, userID); err != nil {
		return cloudcontain.Job{}, err
	}
	job, err := o.Jobs.Get(ctx, containerID, jobID)
	if errors.Is(err, cloudcontain.ErrNotFound) {
		return cloudcontain.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, err
}

// JobLogs returns one page of a job's log entries.
func (o *Orchestrator) JobLogs(ctx context.Context, containerID, jobID, userID string, offset int) ([]cloudcontain.LogEntry, error) {
	if _, err := o.GetJob(ctx, containerID, jobID, userID); err != nil {
		return nil, err
	}
	return o.Jobs.Logs(ctx, jobID, offset)
}

var _ JobReader = (*ledger.Ledger)(nil)
