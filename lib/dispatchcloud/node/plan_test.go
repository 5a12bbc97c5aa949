// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package node

import (
	"git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PlanSuite{})

type PlanSuite struct{}

var defaultLimits = Limits{MaxNodes: 3, QueueDepthThreshold: 20}

func snapshot(usable, alive, queued int, starting string) Snapshot {
	return Snapshot{
		NodeStats:   cloudcontain.NodeStats{Usable: usable, Alive: alive, StartingNodeID: starting},
		QueuedAhead: queued,
	}
}

func (*PlanSuite) TestTable(c *check.C) {
	for _, trial := range []struct {
		snap Snapshot
		want Decision
	}{
		// Empty pool: launch, job waits for the new node.
		{snapshot(0, 0, 0, ""), Decision{Launch: true, Status: cloudcontain.JobStartingNode}},
		{snapshot(0, 0, 50, ""), Decision{Launch: true, Status: cloudcontain.JobStartingNode}},
		// One alive node, short queue: no launch.
		{snapshot(1, 1, 0, ""), Decision{Status: cloudcontain.JobPending}},
		{snapshot(1, 1, 19, ""), Decision{Status: cloudcontain.JobPending}},
		// Deep queue: launch another, but the job can start on
		// the alive node.
		{snapshot(1, 1, 20, ""), Decision{Launch: true, Status: cloudcontain.JobPending}},
		{snapshot(2, 1, 25, "n2"), Decision{Launch: true, Status: cloudcontain.JobPending}},
		// Only a starting node: wait for it.
		{snapshot(1, 0, 3, "n1"), Decision{Status: cloudcontain.JobStartingNode, NodeID: "n1"}},
		// Starting node and deep queue: launch, wait for the
		// new node.
		{snapshot(1, 0, 20, "n1"), Decision{Launch: true, Status: cloudcontain.JobStartingNode}},
		// At the ceiling: never launch.
		{snapshot(3, 3, 100, ""), Decision{Status: cloudcontain.JobPending}},
		{snapshot(3, 0, 100, "n1"), Decision{Status: cloudcontain.JobStartingNode, NodeID: "n1"}},
		{snapshot(5, 2, 100, "n4"), Decision{Status: cloudcontain.JobPending}},
	} {
		c.Check(Plan(trial.snap, defaultLimits), check.DeepEquals, trial.want, check.Commentf("%+v", trial.snap))
	}
}

func (*PlanSuite) TestNeverLaunchAtCeiling(c *check.C) {
	for usable := 3; usable < 6; usable++ {
		for alive := 0; alive <= usable; alive++ {
			for queued := 0; queued < 60; queued += 7 {
				d := Plan(snapshot(usable, alive, queued, "n"), defaultLimits)
				c.Check(d.Launch, check.Equals, false)
			}
		}
	}
}

func (*PlanSuite) TestStatusFollowsAliveNodes(c *check.C) {
	for usable := 0; usable < 5; usable++ {
		for alive := 0; alive <= usable; alive++ {
			for _, queued := range []int{0, 19, 20, 40} {
				starting := ""
				if usable > alive {
					starting = "n"
				}
				d := Plan(snapshot(usable, alive, queued, starting), defaultLimits)
				if alive > 0 {
					c.Check(d.Status, check.Equals, cloudcontain.JobPending)
				} else {
					c.Check(d.Status, check.Equals, cloudcontain.JobStartingNode)
				}
			}
		}
	}
}
