// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package node tracks the pool of compute nodes and launches new ones
// when the pool cannot absorb more jobs.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"git.cloudcontain.net/cloudcontain.git/lib/cloud"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/ctxlog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Store persists node records.
type Store interface {
	NodeStats(ctx context.Context) (cloudcontain.NodeStats, error)
	InsertNode(ctx context.Context, node cloudcontain.Node) error
	DeleteNode(ctx context.Context, nodeID string) error
	SetNodeInstance(ctx context.Context, nodeID, instanceID, instanceType, region string) error
}

// QueueCounter reports how many jobs are waiting to start.
type QueueCounter interface {
	QueueDepth(ctx context.Context) (int, error)
}

// Allocation is the capacity assigned to a new job.
type Allocation struct {
	Status cloudcontain.JobStatus
	// Node the job is expected to run on, or nil if any alive
	// node may pick it up.
	Node *string
	// True if a node was launched for this allocation.
	Launched bool
}

type Registry struct {
	Store       Store
	Queue       QueueCounter
	InstanceSet cloud.InstanceSet
	Limits      Limits

	ImageID      cloud.ImageID
	InstanceType string
	// Launched instances are named "{NamePrefix}-{last 8
	// characters of node ID}".
	NamePrefix string

	// Returns the current time. Defaults to time.Now.
	Now func() time.Time

	throttleCreate throttle
	setupOnce      sync.Once

	mLaunched     prometheus.Counter
	mLaunchErrors *prometheus.CounterVec
}

// NewRegistry returns a Registry configured from the cluster's
// Dispatch and CloudVMs sections.
func NewRegistry(cluster *cloudcontain.Cluster, store Store, queue QueueCounter, is cloud.InstanceSet, reg *prometheus.Registry) *Registry {
	r := &Registry{
		Store:       store,
		Queue:       queue,
		InstanceSet: is,
		Limits: Limits{
			MaxNodes:            cluster.Dispatch.MaxNodes,
			QueueDepthThreshold: cluster.Dispatch.QueueDepthThreshold,
		},
		ImageID:      cloud.ImageID(cluster.CloudVMs.ImageID),
		InstanceType: cluster.CloudVMs.InstanceType,
		NamePrefix:   cluster.CloudVMs.NamePrefix,
	}
	r.registerMetrics(reg)
	return r
}

func (r *Registry) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r.mLaunched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cloudcontain",
		Subsystem: "dispatch",
		Name:      "nodes_launched_total",
		Help:      "Number of nodes launched.",
	})
	reg.MustRegister(r.mLaunched)
	r.mLaunchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudcontain",
		Subsystem: "dispatch",
		Name:      "node_launch_errors_total",
		Help:      "Number of failed node launches.",
	}, []string{"error"})
	reg.MustRegister(r.mLaunchErrors)
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Snapshot reads the current node pool state and queue depth.
func (r *Registry) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stats, err := r.Store.NodeStats(gctx)
		if err != nil {
			return fmt.Errorf("%w: counting nodes: %w", cloudcontain.ErrPersistence, err)
		}
		snap.NodeStats = stats
		return nil
	})
	g.Go(func() error {
		n, err := r.Queue.QueueDepth(gctx)
		snap.QueuedAhead = n
		return err
	})
	return snap, g.Wait()
}

// AllocateCapacity decides where a new job will run, launching a
// node if the pool is empty or the queue is deep, and returns the
// job's initial status.
func (r *Registry) AllocateCapacity(ctx context.Context) (Allocation, error) {
	r.setupOnce.Do(func() {
		if r.mLaunched == nil {
			r.registerMetrics(nil)
		}
	})
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return Allocation{}, err
	}
	d := Plan(snap, r.Limits)
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"Usable":      snap.Usable,
		"Alive":       snap.Alive,
		"QueuedAhead": snap.QueuedAhead,
	})
	alloc := Allocation{Status: d.Status}
	if d.Launch {
		nodeID, err := r.launch(ctx, logger)
		if err != nil {
			return Allocation{}, err
		}
		alloc.Launched = true
		if d.Status == cloudcontain.JobStartingNode {
			alloc.Node = &nodeID
		}
	} else if d.NodeID != "" {
		nodeID := d.NodeID
		alloc.Node = &nodeID
	}
	logger.WithFields(logrus.Fields{
		"Status":   alloc.Status,
		"Launched": alloc.Launched,
	}).Debug("allocated capacity")
	return alloc, nil
}

func (r *Registry) launch(ctx context.Context, logger logrus.FieldLogger) (string, error) {
	if err := r.throttleCreate.Error(); err != nil {
		r.mLaunchErrors.WithLabelValues("throttled").Inc()
		return "", fmt.Errorf("%w: %w", cloudcontain.ErrProvisioning, err)
	}
	node := cloudcontain.Node{
		ID:         uuid.NewString(),
		Pending:    true,
		LaunchedAt: r.now().UTC(),
	}
	logger = logger.WithField("NodeID", node.ID)
	err := r.Store.InsertNode(ctx, node)
	if err != nil {
		r.mLaunchErrors.WithLabelValues("persistence").Inc()
		return "", fmt.Errorf("%w: inserting node: %w", cloudcontain.ErrPersistence, err)
	}
	tags := cloud.InstanceTags{
		cloud.TagKeyName:   r.NamePrefix + "-" + node.ID[len(node.ID)-8:],
		cloud.TagKeyNodeID: node.ID,
	}
	inst, err := r.InstanceSet.Create(ctx, r.InstanceType, r.ImageID, tags)
	if err != nil {
		r.throttleCreate.CheckRateLimitError(err, logger, "Create")
		label := "provider"
		if cloud.IsQuotaError(err) {
			label = "quota"
		} else if _, ok := cloud.IsRateLimitError(err); ok {
			label = "ratelimit"
		}
		r.mLaunchErrors.WithLabelValues(label).Inc()
		logger.WithError(err).Warn("node launch failed")
		// The request context may be what failed; cleanup
		// must run regardless.
		if delErr := r.Store.DeleteNode(context.WithoutCancel(ctx), node.ID); delErr != nil {
			logger.WithError(delErr).Error("failed to delete node record after launch failure")
		}
		return "", fmt.Errorf("%w: %w", cloudcontain.ErrProvisioning, err)
	}
	r.mLaunched.Inc()
	logger = logger.WithFields(logrus.Fields{
		"Instance":     inst.ID(),
		"InstanceType": inst.ProviderType(),
	})
	logger.Info("node launched")
	err = r.Store.SetNodeInstance(context.WithoutCancel(ctx), node.ID, string(inst.ID()), inst.ProviderType(), inst.Region())
	if err != nil {
		logger.WithError(err).Warn("failed to record instance details")
	}
	return node.ID, nil
}
