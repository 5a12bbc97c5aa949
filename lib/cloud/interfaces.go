// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cloud defines the interface between the dispatcher and
// compute providers that boot worker nodes.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// A RateLimitError should be returned by an InstanceSet when the
// cloud service indicates it is rejecting all API calls for some
// time interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by an InstanceSet when the cloud
// service indicates the account cannot create more VMs than already
// exist.
type QuotaError interface {
	// If true, don't create more instances until some existing
	// instances are destroyed. If false, don't handle the error
	// as a quota error.
	IsQuotaError() bool
	error
}

// IsRateLimitError returns the RateLimitError in err's chain, if any.
func IsRateLimitError(err error) (RateLimitError, bool) {
	var rle RateLimitError
	ok := errors.As(err, &rle)
	return rle, ok
}

// IsQuotaError reports whether err's chain contains a QuotaError.
func IsQuotaError(err error) bool {
	var qe QuotaError
	return errors.As(err, &qe) && qe.IsQuotaError()
}

type InstanceSetID string
type InstanceTags map[string]string
type InstanceID string
type ImageID string

// Tag keys set on every node the dispatcher launches.
const (
	TagKeyName   = "Name"
	TagKeyNodeID = "NodeID"
)

// An Instance is a VM the provider has accepted a request for. It
// may still be booting.
type Instance interface {
	// ID returns the provider's instance ID. It must be stable
	// and unique across all instances in a cloud provider
	// account.
	ID() InstanceID

	// String typically returns the cloud-provided instance ID.
	String() string

	// Cloud provider's "instance type" ID. Matches the requested
	// instance type.
	ProviderType() string

	// Region or zone the instance was placed in, if known.
	Region() string

	// Get tags
	Tags() InstanceTags
}

// An InstanceSet manages a set of VM instances created by an elastic
// cloud provider like AWS.
//
// All public methods of an InstanceSet are safe to call
// concurrently.
type InstanceSet interface {
	// Create a new instance with the given type, image, and
	// tags. Returns when the provider has accepted the request,
	// not when the instance has booted.
	Create(ctx context.Context, instanceType string, image ImageID, tags InstanceTags) (Instance, error)

	// Stop any background tasks and release other resources.
	Stop()
}

// A Driver returns an InstanceSet that uses the given InstanceSetID
// and driver-dependent configuration parameters.
//
// The supplied id will be of the form "cloudcontain-zzzzz" where
// zzzzz is the cluster ID. Every InstanceSet created by a driver
// using the same id should manipulate the same set of instances.
type Driver interface {
	InstanceSet(config json.RawMessage, id InstanceSetID, logger logrus.FieldLogger) (InstanceSet, error)
}

// DriverFunc makes a Driver using the provided function as its
// InstanceSet method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(config json.RawMessage, id InstanceSetID, logger logrus.FieldLogger) (InstanceSet, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(config json.RawMessage, id InstanceSetID, logger logrus.FieldLogger) (InstanceSet, error)

func (df driverFunc) InstanceSet(config json.RawMessage, id InstanceSetID, logger logrus.FieldLogger) (InstanceSet, error) {
	return df(config, id, logger)
}
