// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchcloud

import (
	"context"
	"encoding/json"
	"time"

	"git.cloudcontain.net/cloudcontain.git/lib/cloud"
	"git.cloudcontain.net/cloudcontain.git/lib/dispatchcloud/test"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"
	"git.cloudcontain.net/cloudcontain.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DriverSuite{})

type DriverSuite struct{}

func (*DriverSuite) TestUnsupportedDriver(c *check.C) {
	cluster := &cloudcontain.Cluster{}
	cluster.CloudVMs.Driver = "gce"
	_, err := newInstanceSet(cluster, "test", ctxlog.TestLogger(c))
	c.Check(err, check.ErrorMatches, `unsupported cloud driver "gce"`)
}

func (*DriverSuite) TestLoopback(c *check.C) {
	cluster := &cloudcontain.Cluster{}
	cluster.CloudVMs.Driver = "loopback"
	cluster.CloudVMs.DriverParameters = json.RawMessage(`{"Region":"local-1"}`)
	is, err := newInstanceSet(cluster, "test", ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	defer is.Stop()
	_, limited := is.(*rateLimitedInstanceSet)
	c.Check(limited, check.Equals, false)
	inst, err := is.Create(context.Background(), "t3.small", "ami-test", cloud.InstanceTags{cloud.TagKeyNodeID: "n1"})
	c.Assert(err, check.IsNil)
	c.Check(inst.Region(), check.Equals, "local-1")
	c.Check(inst.ProviderType(), check.Equals, "t3.small")
	c.Check(inst.Tags()[cloud.TagKeyNodeID], check.Equals, "n1")
}

func (*DriverSuite) TestRateLimited(c *check.C) {
	stub := &test.StubInstanceSet{}
	is := &rateLimitedInstanceSet{InstanceSet: stub, ticker: time.NewTicker(50 * time.Millisecond)}
	defer is.Stop()

	t0 := time.Now()
	for i := 0; i < 3; i++ {
		_, err := is.Create(context.Background(), "t3.small", "ami-test", nil)
		c.Assert(err, check.IsNil)
	}
	c.Check(time.Since(t0) >= 100*time.Millisecond, check.Equals, true)
	c.Check(stub.Calls(), check.HasLen, 3)

}

func (*DriverSuite) TestRateLimitedCancel(c *check.C) {
	stub := &test.StubInstanceSet{}
	is := &rateLimitedInstanceSet{InstanceSet: stub, ticker: time.NewTicker(time.Hour)}
	defer is.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := is.Create(ctx, "t3.small", "ami-test", nil)
	c.Check(err, check.Equals, context.Canceled)
	c.Check(stub.Calls(), check.HasLen, 0)
}

func (*DriverSuite) TestMaxCloudOps(c *check.C) {
	cluster := &cloudcontain.Cluster{}
	cluster.CloudVMs.Driver = "loopback"
	cluster.CloudVMs.MaxCloudOpsPerSecond = 20
	is, err := newInstanceSet(cluster, "test", ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	defer is.Stop()
	_, limited := is.(*rateLimitedInstanceSet)
	c.Check(limited, check.Equals, true)
}
