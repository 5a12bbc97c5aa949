// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"
)

// MemStore is an in-memory stand-in for the PostgreSQL store. Like the
// real store, it rejects a second non-terminal job for the same
// container.
type MemStore struct {
	// If non-nil, returned by the corresponding operations
	// instead of doing anything.
	OwnerError      error
	InsertJobError  error
	DeleteJobError  error
	CountError      error
	InsertNodeError error

	mtx        sync.Mutex
	containers map[string]string
	jobs       map[string]cloudcontain.Job
	nodes      map[string]cloudcontain.Node
	logs       []cloudcontain.LogEntry
}

func (ms *MemStore) init() {
	if ms.containers == nil {
		ms.containers = map[string]string{}
		ms.jobs = map[string]cloudcontain.Job{}
		ms.nodes = map[string]cloudcontain.Node{}
	}
}

// AddContainer adds a container owned by the given user.
func (ms *MemStore) AddContainer(id, owner string) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.init()
	ms.containers[id] = owner
}

// AddNode adds a node record directly.
func (ms *MemStore) AddNode(n cloudcontain.Node) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.init()
	ms.nodes[n.ID] = n
}

// AddJob adds a job record directly, bypassing the active-job check.
func (ms *MemStore) AddJob(j cloudcontain.Job) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.init()
	ms.jobs[j.ID] = j
}

// AddLog adds a log entry.
func (ms *MemStore) AddLog(l cloudcontain.LogEntry) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.logs = append(ms.logs, l)
}

// Jobs returns all job records.
func (ms *MemStore) Jobs() []cloudcontain.Job {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var jobs []cloudcontain.Job
	for _, j := range ms.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Queued.Before(jobs[j].Queued) })
	return jobs
}

// Nodes returns all node records.
func (ms *MemStore) Nodes() []cloudcontain.Node {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var nodes []cloudcontain.Node
	for _, n := range ms.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

func (ms *MemStore) ContainerOwner(ctx context.Context, containerID string) (string, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.init()
	if ms.OwnerError != nil {
		return "", ms.OwnerError
	}
	owner, ok := ms.containers[containerID]
	if !ok {
		return "", fmt.Errorf("container %s: %w", containerID, cloudcontain.ErrNotFound)
	}
	return owner, nil
}

func (ms *MemStore) InsertJob(ctx context.Context, job cloudcontain.Job) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.init()
	if ms.InsertJobError != nil {
		return ms.InsertJobError
	}
	for _, j := range ms.jobs {
		if j.ContainerID == job.ContainerID && !j.Status.Terminal() {
			return cloudcontain.ErrAlreadyRunning
		}
	}
	ms.jobs[job.ID] = job
	return nil
}

func (ms *MemStore) DeleteJob(ctx context.Context, jobID string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.init()
	if ms.DeleteJobError != nil {
		return ms.DeleteJobError
	}
	delete(ms.jobs, jobID)
	return nil
}

func (ms *MemStore) UpdateJobStatus(ctx context.Context, jobID string, from, to cloudcontain.JobStatus, at time.Time) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.init()
	j, ok := ms.jobs[jobID]
	if !ok || j.Status != from {
		return cloudcontain.ErrNotFound
	}
	j.Status = to
	if (to == cloudcontain.JobBuilding || to == cloudcontain.JobRunning) && j.Started == nil {
		j.Started = &at
	}
	if to.Terminal() {
		j.Ended = &at
	}
	ms.jobs[jobID] = j
	return nil
}

func (ms *MemStore) countJobs(match func(cloudcontain.Job) bool) (int, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if ms.CountError != nil {
		return 0, ms.CountError
	}
	n := 0
	for _, j := range ms.jobs {
		if match(j) {
			n++
		}
	}
	return n, nil
}

func (ms *MemStore) CountActiveJobs(ctx context.Context, containerID string) (int, error) {
	return ms.countJobs(func(j cloudcontain.Job) bool {
		return j.ContainerID == containerID && !j.Status.Terminal()
	})
}

func (ms *MemStore) CountJobsRequestedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return ms.countJobs(func(j cloudcontain.Job) bool {
		return j.RequestedBy == userID && !j.Queued.Before(since)
	})
}

func (ms *MemStore) CountQueuedJobs(ctx context.Context) (int, error) {
	return ms.countJobs(func(j cloudcontain.Job) bool {
		return j.Status.Initial()
	})
}

func (ms *MemStore) ListJobs(ctx context.Context, containerID string, offset, limit int) ([]cloudcontain.Job, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.init()
	var jobs []cloudcontain.Job
	for _, j := range ms.jobs {
		if j.ContainerID == containerID {
			j.LogCount = ms.logCountLocked(j.ID)
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Queued.After(jobs[j].Queued) })
	if offset >= len(jobs) {
		return []cloudcontain.Job{}, nil
	}
	jobs = jobs[offset:]
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (ms *MemStore) GetJob(ctx context.Context, containerID, jobID string) (cloudcontain.Job, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.init()
	j, ok := ms.jobs[jobID]
	if !ok || j.ContainerID != containerID {
		return cloudcontain.Job{}, fmt.Errorf("job %s: %w", jobID, cloudcontain.ErrNotFound)
	}
	j.LogCount = ms.logCountLocked(j.ID)
	return j, nil
}

func (ms *MemStore) logCountLocked(jobID string) int {
	n := 0
	for _, l := range ms.logs {
		if l.JobID == jobID {
			n++
		}
	}
	return n
}

func (ms *MemStore) ListLogs(ctx context.Context, jobID string, offset, limit int) ([]cloudcontain.LogEntry, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var logs []cloudcontain.LogEntry
	for _, l := range ms.logs {
		if l.JobID == jobID {
			logs = append(logs, l)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].NS > logs[j].NS })
	if offset >= len(logs) {
		return []cloudcontain.LogEntry{}, nil
	}
	logs = logs[offset:]
	if len(logs) > limit {
		logs = logs[:limit]
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].NS < logs[j].NS })
	return logs, nil
}

func (ms *MemStore) NodeStats(ctx context.Context) (cloudcontain.NodeStats, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var stats cloudcontain.NodeStats
	if ms.CountError != nil {
		return stats, ms.CountError
	}
	ids := make([]string, 0, len(ms.nodes))
	for id := range ms.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := ms.nodes[id]
		if !n.Usable() {
			continue
		}
		stats.Usable++
		if n.Alive {
			stats.Alive++
		} else if stats.StartingNodeID == "" {
			stats.StartingNodeID = n.ID
		}
	}
	return stats, nil
}

func (ms *MemStore) InsertNode(ctx context.Context, node cloudcontain.Node) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.init()
	if ms.InsertNodeError != nil {
		return ms.InsertNodeError
	}
	ms.nodes[node.ID] = node
	return nil
}

func (ms *MemStore) DeleteNode(ctx context.Context, nodeID string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	delete(ms.nodes, nodeID)
	return nil
}

func (ms *MemStore) SetNodeInstance(ctx context.Context, nodeID, instanceID, instanceType, region string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	n, ok := ms.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s: %w", nodeID, cloudcontain.ErrNotFound)
	}
	n.InstanceID, n.InstanceType, n.InstanceRegion = &instanceID, &instanceType, &region
	ms.nodes[nodeID] = n
	return nil
}

// CheckHealth returns CountError, if set.
func (ms *MemStore) CheckHealth(ctx context.Context) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	return ms.CountError
}
