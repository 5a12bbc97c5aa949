// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloudcontain

import "time"

// LogEntry is one line of job output, written by the worker that ran
// the job.
type LogEntry struct {
	JobID     string    `db:"job_id" json:"-"`
	Content   string    `db:"content" json:"content"`
	Timestamp time.Time `db:"logged_at" json:"timestamp"`
	// Worker-assigned sequence number. Log entries are ordered
	// by NS.
	NS    int64  `db:"ns" json:"ns"`
	Level string `db:"level" json:"level"`
}
