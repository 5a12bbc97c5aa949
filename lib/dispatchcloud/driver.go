// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchcloud

import (
	"context"
	"fmt"
	"time"

	"git.cloudcontain.net/cloudcontain.git/lib/cloud"
	"git.cloudcontain.net/cloudcontain.git/lib/cloud/ec2"
	"git.cloudcontain.net/cloudcontain.git/lib/cloud/loopback"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"
	"github.com/sirupsen/logrus"
)

var drivers = map[string]cloud.Driver{
	"ec2":      ec2.Driver,
	"loopback": loopback.Driver,
}

func newInstanceSet(cluster *cloudcontain.Cluster, setID cloud.InstanceSetID, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	driver, ok := drivers[cluster.CloudVMs.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported cloud driver %q", cluster.CloudVMs.Driver)
	}
	is, err := driver.InstanceSet(cluster.CloudVMs.DriverParameters, setID, logger)
	if err != nil {
		return nil, err
	}
	if maxops := cluster.CloudVMs.MaxCloudOpsPerSecond; maxops > 0 {
		is = &rateLimitedInstanceSet{
			InstanceSet: is,
			ticker:      time.NewTicker(time.Second / time.Duration(maxops)),
		}
	}
	return is, nil
}

type rateLimitedInstanceSet struct {
	cloud.InstanceSet
	ticker *time.Ticker
}

func (is *rateLimitedInstanceSet) Create(ctx context.Context, instanceType string, image cloud.ImageID, tags cloud.InstanceTags) (cloud.Instance, error) {
	select {
	case <-is.ticker.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return is.InstanceSet.Create(ctx, instanceType, image, tags)
}

func (is *rateLimitedInstanceSet) Stop() {
	is.ticker.Stop()
	is.InstanceSet.Stop()
}
