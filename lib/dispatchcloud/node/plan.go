// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package node

import "git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"

// Snapshot is the state of the node pool and job queue at allocation
// time.
type Snapshot struct {
	cloudcontain.NodeStats
	// Jobs in PENDING or STARTING_NODE status.
	QueuedAhead int
}

// Limits are the pool-sizing heuristics.
type Limits struct {
	// Never launch while this many nodes are usable.
	MaxNodes int
	// Launch even though a node is usable when this many jobs
	// are waiting.
	QueueDepthThreshold int
}

// Decision is the outcome of Plan.
type Decision struct {
	// Launch a new node.
	Launch bool
	// Initial status of the job being allocated.
	Status cloudcontain.JobStatus
	// Existing node the job should wait for. Empty unless
	// Status is STARTING_NODE and Launch is false.
	NodeID string
}

// Plan decides whether to launch a node for a new job, and what the
// job's initial status will be. It has no side effects.
func Plan(snap Snapshot, lim Limits) Decision {
	var d Decision
	d.Launch = (snap.Usable == 0 || snap.QueuedAhead >= lim.QueueDepthThreshold) && snap.Usable < lim.MaxNodes
	if snap.Alive > 0 {
		d.Status = cloudcontain.JobPending
		return d
	}
	d.Status = cloudcontain.JobStartingNode
	if !d.Launch {
		d.NodeID = snap.StartingNodeID
	}
	return d
}
