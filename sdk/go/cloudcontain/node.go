// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloudcontain

import "time"

// Node is a compute instance that runs jobs. A node is created with
// Pending=true when its launch is requested; an external reconciler
// sets Alive once the instance is ready to accept work.
type Node struct {
	ID             string     `db:"id"`
	Pending        bool       `db:"pending"`
	Alive          bool       `db:"alive"`
	LaunchedAt     time.Time  `db:"launched_at"`
	StartedAt      *time.Time `db:"started_at"`
	InstanceID     *string    `db:"instance_id"`
	InstanceType   *string    `db:"instance_type"`
	InstanceRegion *string    `db:"instance_region"`
}

// Usable returns true if the node is running or expected to be
// running soon.
func (n Node) Usable() bool {
	return n.Alive || n.Pending
}

// NodeStats summarizes the node pool for capacity decisions.
type NodeStats struct {
	// Nodes that are alive or pending.
	Usable int
	// Nodes that are alive.
	Alive int
	// ID of a usable node that is not alive yet, or "" if there
	// is no such node.
	StartingNodeID string
}

// Container is the subset of a container record that the dispatcher
// needs.
type Container struct {
	ID    string `db:"id"`
	Owner string `db:"owner"`
}
