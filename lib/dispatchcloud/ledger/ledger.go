// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ledger keeps the authoritative record of submitted jobs.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"
	"github.com/google/uuid"
)

// PageSize is the number of jobs or log entries returned per List
// call.
const PageSize = 10

// Store persists job records. InsertJob must return an error
// wrapping cloudcontain.ErrAlreadyRunning if the container already
// has a job in a non-terminal status.
type Store interface {
	InsertJob(ctx context.Context, job cloudcontain.Job) error
	DeleteJob(ctx context.Context, jobID string) error
	UpdateJobStatus(ctx context.Context, jobID string, from, to cloudcontain.JobStatus, at time.Time) error
	CountActiveJobs(ctx context.Context, containerID string) (int, error)
	CountJobsRequestedSince(ctx context.Context, userID string, since time.Time) (int, error)
	CountQueuedJobs(ctx context.Context) (int, error)
	ListJobs(ctx context.Context, containerID string, offset, limit int) ([]cloudcontain.Job, error)
	GetJob(ctx context.Context, containerID, jobID string) (cloudcontain.Job, error)
	ListLogs(ctx context.Context, jobID string, offset, limit int) ([]cloudcontain.LogEntry, error)
}

type Ledger struct {
	Store Store

	// Returns the current time. Defaults to time.Now.
	Now func() time.Time
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Create records a new job for containerID in the given initial
// status.
func (l *Ledger) Create(ctx context.Context, containerID, userID string, status cloudcontain.JobStatus, node *string) (cloudcontain.Job, error) {
	if !status.Initial() {
		return cloudcontain.Job{}, fmt.Errorf("%w: cannot create job with status %q", cloudcontain.ErrPersistence, status)
	}
	job := cloudcontain.Job{
		ID:          uuid.NewString(),
		ContainerID: containerID,
		RequestedBy: userID,
		Status:      status,
		Queued:      l.now().UTC().Truncate(time.Microsecond),
		Node:        node,
	}
	err := l.Store.InsertJob(ctx, job)
	if err != nil {
		return cloudcontain.Job{}, storeError("inserting job", err)
	}
	return job, nil
}

// Remove deletes a job record. It is used to undo Create when the
// job could not be handed to the worker fleet.
func (l *Ledger) Remove(ctx context.Context, jobID string) error {
	err := l.Store.DeleteJob(ctx, jobID)
	if err != nil {
		return storeError("deleting job", err)
	}
	return nil
}

// Transition moves a job from one status to another, enforcing the
// job state machine. It fails if the job is not currently in status
// from.
func (l *Ledger) Transition(ctx context.Context, jobID string, from, to cloudcontain.JobStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("invalid job status transition %s -> %s", from, to)
	}
	err := l.Store.UpdateJobStatus(ctx, jobID, from, to, l.now().UTC())
	if err != nil {
		return storeError("updating job status", err)
	}
	return nil
}

// ActiveCount returns the number of non-terminal jobs for a
// container.
func (l *Ledger) ActiveCount(ctx context.Context, containerID string) (int, error) {
	n, err := l.Store.CountActiveJobs(ctx, containerID)
	if err != nil {
		return 0, storeError("counting active jobs", err)
	}
	return n, nil
}

// RecentCount returns the number of jobs userID requested within the
// trailing window.
func (l *Ledger) RecentCount(ctx context.Context, userID string, window time.Duration) (int, error) {
	n, err := l.Store.CountJobsRequestedSince(ctx, userID, l.now().Add(-window))
	if err != nil {
		return 0, storeError("counting recent jobs", err)
	}
	return n, nil
}

// QueueDepth returns the number of jobs waiting to start (PENDING or
// STARTING_NODE), across all containers.
func (l *Ledger) QueueDepth(ctx context.Context) (int, error) {
	n, err := l.Store.CountQueuedJobs(ctx)
	if err != nil {
		return 0, storeError("counting queued jobs", err)
	}
	return n, nil
}

// List returns one page of a container's jobs, most recently queued
// first.
func (l *Ledger) List(ctx context.Context, containerID string, offset int) ([]cloudcontain.Job, error) {
	if offset < 0 {
		offset = 0
	}
	jobs, err := l.Store.ListJobs(ctx, containerID, offset, PageSize)
	if err != nil {
		return nil, storeError("listing jobs", err)
	}
	return jobs, nil
}

// Get returns a job, provided it belongs to containerID.
func (l *Ledger) Get(ctx context.Context, containerID, jobID string) (cloudcontain.Job, error) {
	job, err := l.Store.GetJob(ctx, containerID, jobID)
	if err != nil {
		return cloudcontain.Job{}, storeError("getting job", err)
	}
	return job, nil
}

// Logs returns one page of a job's log entries: the most recent
// PageSize entries after skipping offset, in ascending order.
func (l *Ledger) Logs(ctx context.Context, jobID string, offset int) ([]cloudcontain.LogEntry, error) {
	if offset < 0 {
		offset = 0
	}
	logs, err := l.Store.ListLogs(ctx, jobID, offset, PageSize)
	if err != nil {
		return nil, storeError("listing logs", err)
	}
	return logs, nil
}

// storeError passes through errors that are already classified, and
// classifies everything else as a persistence failure.
func storeError(op string, err error) error {
	if errors.Is(err, cloudcontain.ErrAlreadyRunning) || errors.Is(err, cloudcontain.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", cloudcontain.ErrPersistence, op, err)
}
