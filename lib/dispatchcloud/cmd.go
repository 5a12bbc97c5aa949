// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchcloud

import (
	"context"

	"git.cloudcontain.net/cloudcontain.git/lib/cmd"
	"git.cloudcontain.net/cloudcontain.git/lib/service"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"
	"github.com/prometheus/client_golang/prometheus"
)

// Command runs the API server.
var Command cmd.Handler = service.Command("cloudcontain-server", newHandler)

func newHandler(ctx context.Context, cluster *cloudcontain.Cluster, reg *prometheus.Registry) service.Handler {
	srv := &server{
		Cluster:  cluster,
		Context:  ctx,
		Registry: reg,
	}
	if err := srv.Start(); err != nil {
		return service.ErrorHandler(ctx, cluster, err)
	}
	return srv
}
