// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package admission decides whether a user may start a job on a
// container.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"
)

// ContainerStore looks up container ownership. ContainerOwner
// returns an error wrapping cloudcontain.ErrNotFound if the container
// does not exist.
type ContainerStore interface {
	ContainerOwner(ctx context.Context, containerID string) (string, error)
}

// JobCounter reports the job counts admission depends on.
type JobCounter interface {
	ActiveCount(ctx context.Context, containerID string) (int, error)
	RecentCount(ctx context.Context, userID string, window time.Duration) (int, error)
}

type Controller struct {
	Containers ContainerStore
	Jobs       JobCounter

	// A user may request at most RateLimitJobs jobs in any
	// trailing RateLimitWindow.
	RateLimitJobs   int
	RateLimitWindow time.Duration
}

// Authorize returns nil if containerID exists and is owned by userID.
func (ac *Controller) Authorize(ctx context.Context, containerID, userID string) error {
	owner, err := ac.Containers.ContainerOwner(ctx, containerID)
	if errors.Is(err, cloudcontain.ErrNotFound) {
		return fmt.Errorf("container %s: %w", containerID, cloudcontain.ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("%w: looking up container: %w", cloudcontain.ErrPersistence, err)
	}
	if owner != userID {
		return fmt.Errorf("container %s: %w", containerID, cloudcontain.ErrForbidden)
	}
	return nil
}

// Admit checks, in order, that the container exists and belongs to
// userID, that it has no active job, and that userID is under the
// rate limit. It has no side effects.
func (ac *Controller) Admit(ctx context.Context, containerID, userID string) error {
	if err := ac.Authorize(ctx, containerID, userID); err != nil {
		return err
	}
	active, err := ac.Jobs.ActiveCount(ctx, containerID)
	if err != nil {
		return err
	}
	if active > 0 {
		return fmt.Errorf("container %s: %w", containerID, cloudcontain.ErrAlreadyRunning)
	}
	recent, err := ac.Jobs.RecentCount(ctx, userID, ac.RateLimitWindow)
	if err != nil {
		return err
	}
	if recent >= ac.RateLimitJobs {
		return fmt.Errorf("%w: %d jobs in the last %s", cloudcontain.ErrRateLimited, recent, cloudcontain.Duration(ac.RateLimitWindow))
	}
	return nil
}
