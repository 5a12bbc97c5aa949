// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloudcontain

import (
	"encoding/json"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&JobSuite{})

type JobSuite struct{}

func (s *JobSuite) TestTerminal(c *check.C) {
	for st, terminal := range map[JobStatus]bool{
		JobPending:      false,
		JobStartingNode: false,
		JobBuilding:     false,
		JobRunning:      false,
		JobCompleted:    true,
		JobFailed:       true,
		JobBuildFailed:  true,
	} {
		c.Check(st.Terminal(), check.Equals, terminal, check.Commentf("%s", st))
	}
}

func (s *JobSuite) TestCanTransition(c *check.C) {
	for _, trial := range []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobPending, JobStartingNode, true},
		{JobStartingNode, JobPending, true},
		{JobStartingNode, JobBuilding, true},
		{JobBuilding, JobRunning, true},
		{JobRunning, JobCompleted, true},
		{JobBuilding, JobBuildFailed, true},
		{JobStartingNode, JobCompleted, false},
		{JobPending, JobFailed, false},
		{JobRunning, JobPending, false},
		{JobCompleted, JobRunning, false},
		{JobFailed, JobPending, false},
		{JobRunning, JobRunning, false},
		{JobRunning, JobStatus("BOGUS"), false},
	} {
		c.Check(trial.from.CanTransition(trial.to), check.Equals, trial.ok, check.Commentf("%s -> %s", trial.from, trial.to))
	}
}

func (s *JobSuite) TestParseJobStatus(c *check.C) {
	st, err := ParseJobStatus("STARTING_NODE")
	c.Check(err, check.IsNil)
	c.Check(st, check.Equals, JobStartingNode)
	_, err = ParseJobStatus("starting_node")
	c.Check(err, check.ErrorMatches, `invalid job status .*`)

	var scanned JobStatus
	c.Check(scanned.Scan([]byte("BUILD_FAILED")), check.IsNil)
	c.Check(scanned, check.Equals, JobBuildFailed)
	c.Check(scanned.Scan("QUEUED"), check.NotNil)
	c.Check(scanned.Scan(42), check.NotNil)

	var v struct{ Status JobStatus }
	c.Check(json.Unmarshal([]byte(`{"Status":"RUNNING"}`), &v), check.IsNil)
	c.Check(v.Status, check.Equals, JobRunning)
	c.Check(json.Unmarshal([]byte(`{"Status":"LOST"}`), &v), check.NotNil)
}

func (s *JobSuite) TestSnapshotJSON(c *check.C) {
	queued := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	job := Job{
		ID:          "job-1",
		ContainerID: "ctr-1",
		RequestedBy: "user-1",
		Status:      JobPending,
		Queued:      queued,
	}
	buf, err := json.Marshal(job.Snapshot())
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"jobId":"job-1","status":"PENDING","queued":"2024-03-01T12:00:00Z","started":null,"ended":null,"node":null,"logCount":0,"output":[]}`)
}
