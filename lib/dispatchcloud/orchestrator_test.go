// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchcloud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.cloudcontain.net/cloudcontain.git/lib/cloud"
	"git.cloudcontain.net/cloudcontain.git/lib/dblock"
	"git.cloudcontain.net/cloudcontain.git/lib/dispatchcloud/admission"
	"git.cloudcontain.net/cloudcontain.git/lib/dispatchcloud/dispatcher"
	"git.cloudcontain.net/cloudcontain.git/lib/dispatchcloud/ledger"
	"git.cloudcontain.net/cloudcontain.git/lib/dispatchcloud/node"
	"git.cloudcontain.net/cloudcontain.git/lib/dispatchcloud/test"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&OrchestratorSuite{})

type OrchestratorSuite struct {
	ctx   context.Context
	store *test.MemStore
	is    *test.StubInstanceSet
	queue *test.Queue
	pub   *test.Publisher
	reg   *prometheus.Registry
	orch  *Orchestrator
}

func (s *OrchestratorSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.store = &test.MemStore{}
	s.store.AddContainer("C1", "U1")
	s.store.AddContainer("C2", "U2")
	s.is = &test.StubInstanceSet{Region: "us-east-1"}
	s.queue = &test.Queue{}
	s.pub = &test.Publisher{}
	s.reg = prometheus.NewRegistry()

	cluster := &cloudcontain.Cluster{}
	cluster.Dispatch.MaxNodes = 3
	cluster.Dispatch.QueueDepthThreshold = 20
	cluster.CloudVMs.ImageID = "ami-test"
	cluster.CloudVMs.InstanceType = "t3.small"
	cluster.CloudVMs.NamePrefix = "cloudcontain-node"

	jobs := &ledger.Ledger{Store: s.store}
	s.orch = NewOrchestrator(
		&dblock.LocalLocker{},
		&admission.Controller{
			Containers:      s.store,
			Jobs:            jobs,
			RateLimitJobs:   50,
			RateLimitWindow: 30 * 24 * time.Hour,
		},
		node.NewRegistry(cluster, s.store, jobs, s.is, s.reg),
		dispatcher.New(jobs, s.pub, s.queue, s.reg),
		jobs,
		s.reg)
}

func (s *OrchestratorSuite) activeJobs(containerID string) int {
	n := 0
	for _, j := range s.store.Jobs() {
		if j.ContainerID == containerID && !j.Status.Terminal() {
			n++
		}
	}
	return n
}

// Container has no jobs and one node is alive: the job is ready for
// pickup and no node is launched.
func (s *OrchestratorSuite) TestExecuteWithAliveNode(c *check.C) {
	s.store.AddNode(test.AliveNode("n1"))
	job, err := s.orch.Execute(s.ctx, "C1", "U1")
	c.Assert(err, check.IsNil)
	c.Check(job.Status, check.Equals, cloudcontain.JobPending)
	c.Check(job.Node, check.IsNil)
	c.Check(job.RequestedBy, check.Equals, "U1")
	c.Check(s.store.Nodes(), check.HasLen, 1)
	c.Check(s.is.Calls(), check.HasLen, 0)
	c.Check(s.queue.Messages(), check.HasLen, 1)
	c.Check(s.pub.Events(), check.HasLen, 1)
	c.Check(test.CounterValue(s.reg, "cloudcontain_dispatch_execute_total", map[string]string{"result": "created"}), check.Equals, 1.0)
}

// No nodes at all: one node is launched and the job waits for it.
func (s *OrchestratorSuite) TestExecuteLaunchesNode(c *check.C) {
	job, err := s.orch.Execute(s.ctx, "C1", "U1")
	c.Assert(err, check.IsNil)
	c.Check(job.Status, check.Equals, cloudcontain.JobStartingNode)
	nodes := s.store.Nodes()
	c.Assert(nodes, check.HasLen, 1)
	c.Check(nodes[0].Pending, check.Equals, true)
	c.Check(nodes[0].Alive, check.Equals, false)
	c.Assert(job.Node, check.NotNil)
	c.Check(*job.Node, check.Equals, nodes[0].ID)
	calls := s.is.Calls()
	c.Assert(calls, check.HasLen, 1)
	c.Check(calls[0].Tags[cloud.TagKeyNodeID], check.Equals, nodes[0].ID)
	c.Check(calls[0].Tags[cloud.TagKeyName], check.Equals, "cloudcontain-node-"+nodes[0].ID[len(nodes[0].ID)-8:])
}

// A second request while the first job is still queued is rejected.
func (s *OrchestratorSuite) TestExecuteWhileActive(c *check.C) {
	_, err := s.orch.Execute(s.ctx, "C1", "U1")
	c.Assert(err, check.IsNil)
	c.Check(s.store.Jobs()[0].Status, check.Equals, cloudcontain.JobStartingNode)

	_, err = s.orch.Execute(s.ctx, "C1", "U1")
	c.Check(errors.Is(err, cloudcontain.ErrAlreadyRunning), check.Equals, true)
	c.Check(cloudcontain.HTTPStatus(err), check.Equals, 400)
	c.Check(s.store.Jobs(), check.HasLen, 1)
	c.Check(s.is.Calls(), check.HasLen, 1)
	c.Check(s.queue.Messages(), check.HasLen, 1)
	c.Check(test.CounterValue(s.reg, "cloudcontain_dispatch_execute_total", map[string]string{"result": "already_running"}), check.Equals, 1.0)
}

// A user who has requested 50 jobs in the last 30 days is rejected.
func (s *OrchestratorSuite) TestExecuteRateLimited(c *check.C) {
	now := time.Now()
	for i := 0; i < 50; i++ {
		s.store.AddJob(cloudcontain.Job{
			ID:          fmt.Sprintf("old-%d", i),
			ContainerID: "C-elsewhere",
			RequestedBy: "U1",
			Status:      cloudcontain.JobCompleted,
			Queued:      now.Add(-time.Duration(i) * 12 * time.Hour),
		})
	}
	_, err := s.orch.Execute(s.ctx, "C1", "U1")
	c.Check(errors.Is(err, cloudcontain.ErrRateLimited), check.Equals, true)
	c.Check(cloudcontain.HTTPStatus(err), check.Equals, 429)
	c.Check(s.is.Calls(), check.HasLen, 0)
	c.Check(s.queue.Messages(), check.HasLen, 0)
}

// Only the owner may execute a container.
func (s *OrchestratorSuite) TestExecuteNotOwner(c *check.C) {
	_, err := s.orch.Execute(s.ctx, "C2", "U1")
	c.Check(errors.Is(err, cloudcontain.ErrForbidden), check.Equals, true)
	c.Check(cloudcontain.HTTPStatus(err), check.Equals, 401)
	c.Check(s.store.Jobs(), check.HasLen, 0)
	c.Check(s.store.Nodes(), check.HasLen, 0)

	_, err = s.orch.Execute(s.ctx, "C404", "U1")
	c.Check(errors.Is(err, cloudcontain.ErrNotFound), check.Equals, true)
	c.Check(cloudcontain.HTTPStatus(err), check.Equals, 404)
}

func (s *OrchestratorSuite) TestProvisioningFailure(c *check.C) {
	s.is.CreateError = errors.New("InsufficientInstanceCapacity")
	_, err := s.orch.Execute(s.ctx, "C1", "U1")
	c.Check(errors.Is(err, cloudcontain.ErrProvisioning), check.Equals, true)
	c.Check(cloudcontain.HTTPStatus(err), check.Equals, 502)
	c.Check(s.store.Nodes(), check.HasLen, 0)
	c.Check(s.store.Jobs(), check.HasLen, 0)
	c.Check(s.queue.Messages(), check.HasLen, 0)
}

func (s *OrchestratorSuite) TestEnqueueFailure(c *check.C) {
	s.store.AddNode(test.AliveNode("n1"))
	s.queue.Err = errors.New("queue unavailable")
	_, err := s.orch.Execute(s.ctx, "C1", "U1")
	c.Check(errors.Is(err, cloudcontain.ErrEnqueue), check.Equals, true)
	c.Check(s.activeJobs("C1"), check.Equals, 0)

	s.queue.Err = nil
	_, err = s.orch.Execute(s.ctx, "C1", "U1")
	c.Check(err, check.IsNil)
}

// Concurrent requests for one container create exactly one job.
func (s *OrchestratorSuite) TestConcurrentExecuteOneContainer(c *check.C) {
	s.store.AddNode(test.AliveNode("n1"))
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.orch.Execute(s.ctx, "C1", "U1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			c.Check(errors.Is(err, cloudcontain.ErrAlreadyRunning), check.Equals, true, check.Commentf("%s", err))
		}
	}
	c.Check(ok, check.Equals, 1)
	c.Check(s.activeJobs("C1"), check.Equals, 1)
	c.Check(s.queue.Messages(), check.HasLen, 1)
}

// Concurrent requests by one user for different containers never
// take the user over the rate limit.
func (s *OrchestratorSuite) TestConcurrentExecuteRateLimit(c *check.C) {
	s.store.AddNode(test.AliveNode("n1"))
	now := time.Now()
	for i := 0; i < 45; i++ {
		s.store.AddJob(cloudcontain.Job{
			ID:          fmt.Sprintf("old-%d", i),
			ContainerID: "C-elsewhere",
			RequestedBy: "U1",
			Status:      cloudcontain.JobFailed,
			Queued:      now.Add(-time.Hour),
		})
	}
	const n = 12
	for i := 0; i < n; i++ {
		s.store.AddContainer(test.ContainerID(i), "U1")
	}
	var wg sync.WaitGroup
	var mtx sync.Mutex
	ok, limited := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.orch.Execute(s.ctx, test.ContainerID(i), "U1")
			mtx.Lock()
			defer mtx.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, cloudcontain.ErrRateLimited) {
				limited++
			} else {
				c.Errorf("unexpected error: %s", err)
			}
		}(i)
	}
	wg.Wait()
	c.Check(ok, check.Equals, 5)
	c.Check(limited, check.Equals, n-5)
	recent, err := (&ledger.Ledger{Store: s.store}).RecentCount(s.ctx, "U1", 30*24*time.Hour)
	c.Check(err, check.IsNil)
	c.Check(recent, check.Equals, 50)
}

// Even when the queue is deep, no more than MaxNodes nodes are ever
// usable as a result of execute requests.
func (s *OrchestratorSuite) TestNodeCeiling(c *check.C) {
	for i := 0; i < 40; i++ {
		s.store.AddContainer(test.ContainerID(i), test.UserID(i))
		_, err := s.orch.Execute(s.ctx, test.ContainerID(i), test.UserID(i))
		c.Assert(err, check.IsNil)
	}
	c.Check(s.store.Nodes(), check.HasLen, 3)
	c.Check(s.is.Calls(), check.HasLen, 3)
}

func (s *OrchestratorSuite) TestListAndGetJobs(c *check.C) {
	t0 := time.Now().Add(-time.Hour)
	for i := 0; i < 12; i++ {
		s.store.AddJob(cloudcontain.Job{
			ID:          fmt.Sprintf("job-%02d", i),
			ContainerID: "C1",
			RequestedBy: "U1",
			Status:      cloudcontain.JobCompleted,
			Queued:      t0.Add(time.Duration(i) * time.Minute),
		})
	}
	for ns := int64(1); ns <= 3; ns++ {
		s.store.AddLog(cloudcontain.LogEntry{JobID: "job-11", NS: ns, Content: "hello", Level: "info"})
	}

	jobs, err := s.orch.ListJobs(s.ctx, "C1", "U1", 0)
	c.Assert(err, check.IsNil)
	c.Assert(jobs, check.HasLen, 10)
	c.Check(jobs[0].ID, check.Equals, "job-11")
	c.Check(jobs[0].LogCount, check.Equals, 3)
	jobs, err = s.orch.ListJobs(s.ctx, "C1", "U1", 10)
	c.Assert(err, check.IsNil)
	c.Check(jobs, check.HasLen, 2)

	_, err = s.orch.ListJobs(s.ctx, "C1", "U2", 0)
	c.Check(errors.Is(err, cloudcontain.ErrForbidden), check.Equals, true)

	job, err := s.orch.GetJob(s.ctx, "C1", "job-03", "U1")
	c.Check(err, check.IsNil)
	c.Check(job.ID, check.Equals, "job-03")
	_, err = s.orch.GetJob(s.ctx, "C1", "job-99", "U1")
	c.Check(errors.Is(err, ErrJobNotFound), check.Equals, true)
	c.Check(errors.Is(err, cloudcontain.ErrNotFound), check.Equals, true)
	_, err = s.orch.GetJob(s.ctx, "C404", "job-03", "U1")
	c.Check(errors.Is(err, ErrJobNotFound), check.Equals, false)
	c.Check(errors.Is(err, cloudcontain.ErrNotFound), check.Equals, true)

	logs, err := s.orch.JobLogs(s.ctx, "C1", "job-11", "U1", 0)
	c.Check(err, check.IsNil)
	c.Check(logs, check.HasLen, 3)
	_, err = s.orch.JobLogs(s.ctx, "C1", "job-11", "U2", 0)
	c.Check(errors.Is(err, cloudcontain.ErrForbidden), check.Equals, true)
}
