// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloudcontain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	// Initial states, chosen by the node registry when the job
	// is queued.
	JobPending      = JobStatus("PENDING")
	JobStartingNode = JobStatus("STARTING_NODE")

	// Intermediate states reported by the worker fleet.
	JobBuilding = JobStatus("BUILDING")
	JobRunning  = JobStatus("RUNNING")

	// Terminal states, also reported by the worker fleet.
	JobCompleted   = JobStatus("COMPLETED")
	JobFailed      = JobStatus("FAILED")
	JobBuildFailed = JobStatus("BUILD_FAILED")
)

var jobStatuses = map[JobStatus]bool{
	JobPending:      true,
	JobStartingNode: true,
	JobBuilding:     true,
	JobRunning:      true,
	JobCompleted:    true,
	JobFailed:       true,
	JobBuildFailed:  true,
}

// TerminalJobStatuses lists the states in which a job no longer
// counts against its container's concurrency limit.
var TerminalJobStatuses = []JobStatus{JobCompleted, JobFailed, JobBuildFailed}

// QueuedJobStatuses lists the states of jobs that are waiting for a
// worker to pick them up.
var QueuedJobStatuses = []JobStatus{JobPending, JobStartingNode}

// ParseJobStatus returns the JobStatus named by s, or an error if s
// is not a known status.
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	if !jobStatuses[st] {
		return "", fmt.Errorf("invalid job status %q", s)
	}
	return st, nil
}

// Terminal returns true if no further transitions are possible.
func (st JobStatus) Terminal() bool {
	for _, t := range TerminalJobStatuses {
		if st == t {
			return true
		}
	}
	return false
}

// Initial returns true if st is a valid status for a newly queued
// job.
func (st JobStatus) Initial() bool {
	return st == JobPending || st == JobStartingNode
}

// CanTransition returns true if a job in state st may move to state
// next.
func (st JobStatus) CanTransition(next JobStatus) bool {
	if !jobStatuses[st] || !jobStatuses[next] || st.Terminal() || st == next {
		return false
	}
	if next.Initial() {
		// Nothing moves back into the queue once a worker
		// has reported progress.
		return st.Initial()
	}
	if st.Initial() && next.Terminal() {
		// A queued job reaches a terminal state only via
		// worker-reported progress.
		return false
	}
	return true
}

// UnmarshalJSON implements json.Unmarshaler, rejecting unknown
// statuses.
func (st *JobStatus) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseJobStatus(s)
	if err != nil {
		return err
	}
	*st = parsed
	return nil
}

// Scan implements sql.Scanner, rejecting unknown statuses.
func (st *JobStatus) Scan(src interface{}) error {
	var s string
	switch src := src.(type) {
	case string:
		s = src
	case []byte:
		s = string(src)
	default:
		return fmt.Errorf("cannot scan %T into JobStatus", src)
	}
	parsed, err := ParseJobStatus(s)
	if err != nil {
		return err
	}
	*st = parsed
	return nil
}

// Value implements driver.Valuer.
func (st JobStatus) Value() (driver.Value, error) {
	return string(st), nil
}

// Job is one requested execution of a container's code.
type Job struct {
	ID          string     `db:"id"`
	ContainerID string     `db:"container_id"`
	RequestedBy string     `db:"requested_by"`
	Status      JobStatus  `db:"status"`
	Queued      time.Time  `db:"queued_at"`
	Started     *time.Time `db:"started_at"`
	Ended       *time.Time `db:"ended_at"`
	Node        *string    `db:"node_id"`
	LogCount    int        `db:"log_count"`
}

// JobSnapshot is the client-facing representation of a Job, used in
// API responses and job-queued events.
type JobSnapshot struct {
	JobID       string     `json:"jobId"`
	Status      JobStatus  `json:"status"`
	Queued      time.Time  `json:"queued"`
	Started     *time.Time `json:"started"`
	Ended       *time.Time `json:"ended"`
	RequestedBy string     `json:"requestedBy,omitempty"`
	Node        *string    `json:"node"`
	LogCount    int        `json:"logCount"`
	Output      []string   `json:"output"`
}

// Snapshot returns the client-facing view of job.
func (job Job) Snapshot() JobSnapshot {
	return JobSnapshot{
		JobID:    job.ID,
		Status:   job.Status,
		Queued:   job.Queued,
		Started:  job.Started,
		Ended:    job.Ended,
		Node:     job.Node,
		LogCount: job.LogCount,
		Output:   []string{},
	}
}
