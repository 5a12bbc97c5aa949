// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package loopback is a cloud driver that "creates" instances
// without contacting any provider. It is useful for development
// clusters and tests.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"git.cloudcontain.net/cloudcontain.git/lib/cloud"
	"github.com/sirupsen/logrus"
)

// Driver is the loopback implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newInstanceSet)

type quotaError string

func (e quotaError) IsQuotaError() bool { return true }
func (e quotaError) Error() string      { return string(e) }

type instanceSetConfig struct {
	// Create fails with a quota error when this many instances
	// exist. Zero means no limit.
	MaxInstances int
	Region       string
}

type instanceSet struct {
	instanceSetID cloud.InstanceSetID
	config        instanceSetConfig
	logger        logrus.FieldLogger
	instances     []*instance
	mtx           sync.Mutex
}

func newInstanceSet(config json.RawMessage, instanceSetID cloud.InstanceSetID, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	is := &instanceSet{
		instanceSetID: instanceSetID,
		logger:        logger,
		config:        instanceSetConfig{Region: "loopback"},
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &is.config); err != nil {
			return nil, err
		}
	}
	return is, nil
}

func (is *instanceSet) Create(ctx context.Context, instanceType string, _ cloud.ImageID, tags cloud.InstanceTags) (cloud.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	is.mtx.Lock()
	defer is.mtx.Unlock()
	if is.config.MaxInstances > 0 && len(is.instances) >= is.config.MaxInstances {
		return nil, quotaError(fmt.Sprintf("loopback driver is at quota (%d instances)", is.config.MaxInstances))
	}
	inst := &instance{
		id:           cloud.InstanceID(fmt.Sprintf("%s-%d", is.instanceSetID, len(is.instances)+1)),
		instanceType: instanceType,
		region:       is.config.Region,
		tags:         copyTags(tags),
	}
	is.instances = append(is.instances, inst)
	is.logger.WithFields(logrus.Fields{
		"Instance": inst.id,
		"Tags":     tags,
	}).Info("loopback instance created")
	return inst, nil
}

func (is *instanceSet) Stop() {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	is.instances = nil
}

type instance struct {
	id           cloud.InstanceID
	instanceType string
	region       string
	tags         cloud.InstanceTags
}

func (i *instance) ID() cloud.InstanceID     { return i.id }
func (i *instance) String() string           { return string(i.id) }
func (i *instance) ProviderType() string     { return i.instanceType }
func (i *instance) Region() string           { return i.region }
func (i *instance) Tags() cloud.InstanceTags { return copyTags(i.tags) }

func copyTags(src cloud.InstanceTags) cloud.InstanceTags {
	dst := cloud.InstanceTags{}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
