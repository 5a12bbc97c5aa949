// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package pgstore stores containers, jobs, nodes and logs in
// PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

const (
	pqCodeUniqueViolation = pq.ErrorCode("23505")
	activeJobIndex        = "jobs_one_active_per_container"
)

const jobColumns = `j.id, j.container_id, j.requested_by, j.status, j.queued_at, j.started_at, j.ended_at, j.node_id`

type Store struct {
	DB *sqlx.DB
}

// Open connects to the cluster's PostgreSQL database.
func Open(ctx context.Context, cluster *cloudcontain.Cluster) (*Store, error) {
	if cluster.PostgreSQL.ConnectionPool <= 0 {
		ctxlog.FromContext(ctx).Warn("no database connection limit configured; consider setting PostgreSQL.ConnectionPool>0")
	}
	db, err := connect(ctx, cluster, cluster.PostgreSQL.ConnectionPool)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// OpenLockPool connects a second pool to the same database, sized by
// Dispatch.LockConnectionPool, for sessions that hold advisory locks.
func OpenLockPool(ctx context.Context, cluster *cloudcontain.Cluster) (*sqlx.DB, error) {
	return connect(ctx, cluster, cluster.Dispatch.LockConnectionPool)
}

func connect(ctx context.Context, cluster *cloudcontain.Cluster, poolSize int) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cluster.PostgreSQL.Connection.String())
	if err != nil {
		return nil, fmt.Errorf("postgresql connection failed: %w", err)
	}
	if poolSize > 0 {
		db.SetMaxOpenConns(poolSize)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgresql connection succeeded but ping failed: %w", err)
	}
	return db, nil
}

// Migrate creates any missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, schema)
	return err
}

// CheckHealth returns an error if the database is unreachable.
func (s *Store) CheckHealth(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// InsertContainer adds a container record. Containers are normally
// created by the file service; this is used for provisioning and
// tests.
func (s *Store) InsertContainer(ctx context.Context, ctr cloudcontain.Container) error {
	_, err := s.DB.NamedExecContext(ctx, `INSERT INTO containers (id, owner) VALUES (:id, :owner)`, ctr)
	return err
}

func (s *Store) ContainerOwner(ctx context.Context, containerID string) (string, error) {
	var owner string
	err := s.DB.GetContext(ctx, &owner, `SELECT owner FROM containers WHERE id=$1`, containerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("container %s: %w", containerID, cloudcontain.ErrNotFound)
	}
	return owner, err
}

func (s *Store) InsertJob(ctx context.Context, job cloudcontain.Job) error {
	_, err := s.DB.NamedExecContext(ctx, `INSERT INTO jobs
		(id, container_id, requested_by, status, queued_at, started_at, ended_at, node_id)
		VALUES (:id, :container_id, :requested_by, :status, :queued_at, :started_at, :ended_at, :node_id)`, job)
	return insertJobError(err)
}

// insertJobError reports a violation of the one-active-job index as
// cloudcontain.ErrAlreadyRunning.
func insertJobError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqCodeUniqueViolation && pqErr.Constraint == activeJobIndex {
		return fmt.Errorf("%w (%s)", cloudcontain.ErrAlreadyRunning, pqErr.Constraint)
	}
	return err
}

func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM jobs WHERE id=$1`, jobID)
	return err
}

// UpdateJobStatus sets a job's status, provided its current status is
// from. The start time is recorded the first time the job reaches a
// worker state, and the end time when it reaches a terminal state.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, from, to cloudcontain.JobStatus, at time.Time) error {
	var started, ended *time.Time
	if to == cloudcontain.JobBuilding || to == cloudcontain.JobRunning {
		started = &at
	}
	if to.Terminal() {
		ended = &at
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs
		SET status=$3,
		    started_at=coalesce(started_at, $4),
		    ended_at=coalesce($5, ended_at)
		WHERE id=$1 AND status=$2`, jobID, from, to, started, ended)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("job %s with status %s: %w", jobID, from, cloudcontain.ErrNotFound)
	}
	return nil
}

func (s *Store) count(ctx context.Context, query string, args ...interface{}) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, query, args...)
	return n, err
}

func (s *Store) CountActiveJobs(ctx context.Context, containerID string) (int, error) {
	return s.count(ctx, `SELECT count(*) FROM jobs
		WHERE container_id=$1 AND status NOT IN ('COMPLETED', 'FAILED', 'BUILD_FAILED')`, containerID)
}

func (s *Store) CountJobsRequestedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return s.count(ctx, `SELECT count(*) FROM jobs WHERE requested_by=$1 AND queued_at>=$2`, userID, since)
}

func (s *Store) CountQueuedJobs(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT count(*) FROM jobs WHERE status IN ('PENDING', 'STARTING_NODE')`)
}

func (s *Store) ListJobs(ctx context.Context, containerID string, offset, limit int) ([]cloudcontain.Job, error) {
	jobs := []cloudcontain.Job{}
	err := s.DB.SelectContext(ctx, &jobs, `SELECT `+jobColumns+`,
		(SELECT count(*) FROM logs l WHERE l.job_id=j.id) AS log_count
		FROM jobs j
		WHERE j.container_id=$1
		ORDER BY j.queued_at DESC, j.id
		LIMIT $2 OFFSET $3`, containerID, limit, offset)
	return jobs, err
}

func (s *Store) GetJob(ctx context.Context, containerID, jobID string) (cloudcontain.Job, error) {
	var job cloudcontain.Job
	err := s.DB.GetContext(ctx, &job, `SELECT `+jobColumns+`,
		(SELECT count(*) FROM logs l WHERE l.job_id=j.id) AS log_count
		FROM jobs j
		WHERE j.id=$1 AND j.container_id=$2`, jobID, containerID)
	if errors.Is(err, sql.ErrNoRows) {
		return job, fmt.Errorf("job %s: %w", jobID, cloudcontain.ErrNotFound)
	}
	return job, err
}

// ListLogs returns the page of a job's log entries at offset when
// ordered newest first, sorted oldest first.
func (s *Store) ListLogs(ctx context.Context, jobID string, offset, limit int) ([]cloudcontain.LogEntry, error) {
	logs := []cloudcontain.LogEntry{}
	err := s.DB.SelectContext(ctx, &logs, `SELECT * FROM (
		SELECT job_id, content, logged_at, ns, level FROM logs
		WHERE job_id=$1
		ORDER BY ns DESC
		LIMIT $2 OFFSET $3) page
		ORDER BY ns`, jobID, limit, offset)
	return logs, err
}

// InsertLog adds a log entry. Log entries are normally written by
// workers; this is used for tests.
func (s *Store) InsertLog(ctx context.Context, entry cloudcontain.LogEntry) error {
	_, err := s.DB.NamedExecContext(ctx, `INSERT INTO logs (job_id, ns, content, level, logged_at)
		VALUES (:job_id, :ns, :content, :level, :logged_at)`, entry)
	return err
}

func (s *Store) NodeStats(ctx context.Context) (cloudcontain.NodeStats, error) {
	var row struct {
		Usable   int            `db:"usable"`
		Alive    int            `db:"alive"`
		Starting sql.NullString `db:"starting"`
	}
	err := s.DB.GetContext(ctx, &row, `SELECT
		count(*) FILTER (WHERE alive OR pending) AS usable,
		count(*) FILTER (WHERE alive) AS alive,
		min(id) FILTER (WHERE pending AND NOT alive) AS starting
		FROM nodes`)
	if err != nil {
		return cloudcontain.NodeStats{}, err
	}
	return cloudcontain.NodeStats{
		Usable:         row.Usable,
		Alive:          row.Alive,
		StartingNodeID: row.Starting.String,
	}, nil
}

func (s *Store) InsertNode(ctx context.Context, node cloudcontain.Node) error {
	_, err := s.DB.NamedExecContext(ctx, `INSERT INTO nodes
		(id, pending, alive, launched_at, started_at, instance_id, instance_type, instance_region)
		VALUES (:id, :pending, :alive, :launched_at, :started_at, :instance_id, :instance_type, :instance_region)`, node)
	return err
}

func (s *Store) DeleteNode(ctx context.Context, nodeID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM nodes WHERE id=$1`, nodeID)
	return err
}

func (s *Store) SetNodeInstance(ctx context.Context, nodeID, instanceID, instanceType, region string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE nodes
		SET instance_id=$2, instance_type=$3, instance_region=$4
		WHERE id=$1`, nodeID, instanceID, instanceType, region)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("node %s: %w", nodeID, cloudcontain.ErrNotFound)
	}
	return nil
}

// SetNodeAlive marks a node as ready (or no longer ready) to accept
// work.
func (s *Store) SetNodeAlive(ctx context.Context, nodeID string, alive bool, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE nodes
		SET alive=$2, pending=false, started_at=CASE WHEN $2 THEN coalesce(started_at, $3) ELSE started_at END
		WHERE id=$1`, nodeID, alive, at)
	return err
}
