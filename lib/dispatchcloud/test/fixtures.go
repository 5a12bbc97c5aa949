// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"fmt"
	"time"

	"git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"
)

// ContainerID returns a fake container ID.
func ContainerID(i int) string {
	return fmt.Sprintf("container-%06d", i)
}

// UserID returns a fake user ID, like an OIDC "sub" claim.
func UserID(i int) string {
	return fmt.Sprintf("auth0|user%d", i)
}

// AliveNode returns a node record that is ready for work.
func AliveNode(id string) cloudcontain.Node {
	now := time.Now()
	return cloudcontain.Node{ID: id, Alive: true, LaunchedAt: now.Add(-time.Hour), StartedAt: &now}
}

// PendingNode returns a node record whose launch is in progress.
func PendingNode(id string) cloudcontain.Node {
	return cloudcontain.Node{ID: id, Pending: true, LaunchedAt: time.Now()}
}
