// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"git.cloudcontain.net/cloudcontain.git/lib/cloud"
	"github.com/sirupsen/logrus"
)

// A StubDriver implements cloud.Driver by returning a
// StubInstanceSet that records Create calls.
type StubDriver struct {
	instanceSets []*StubInstanceSet
	mtx          sync.Mutex
}

// InstanceSet returns a new *StubInstanceSet.
func (sd *StubDriver) InstanceSet(params json.RawMessage, id cloud.InstanceSetID, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	sis := &StubInstanceSet{Region: "stub-region"}
	sd.mtx.Lock()
	defer sd.mtx.Unlock()
	sd.instanceSets = append(sd.instanceSets, sis)
	return sis, nil
}

// InstanceSets returns all instance sets that have been created by
// the driver.
func (sd *StubDriver) InstanceSets() []*StubInstanceSet {
	sd.mtx.Lock()
	defer sd.mtx.Unlock()
	return append([]*StubInstanceSet(nil), sd.instanceSets...)
}

// CreateCall records the arguments of one Create call.
type CreateCall struct {
	InstanceType string
	ImageID      cloud.ImageID
	Tags         cloud.InstanceTags
}

type StubInstanceSet struct {
	Region string

	// If non-nil, returned by Create instead of creating an
	// instance.
	CreateError error

	mtx     sync.Mutex
	calls   []CreateCall
	stopped bool
}

func (sis *StubInstanceSet) Create(ctx context.Context, instanceType string, image cloud.ImageID, tags cloud.InstanceTags) (cloud.Instance, error) {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if sis.stopped {
		return nil, fmt.Errorf("StubInstanceSet: Create called after Stop")
	}
	sis.calls = append(sis.calls, CreateCall{instanceType, image, copyTags(tags)})
	if sis.CreateError != nil {
		return nil, sis.CreateError
	}
	return &StubInstance{
		id:           cloud.InstanceID(fmt.Sprintf("stub-%d", len(sis.calls))),
		providerType: instanceType,
		region:       sis.Region,
		tags:         copyTags(tags),
	}, nil
}

// Calls returns the arguments of every Create call so far.
func (sis *StubInstanceSet) Calls() []CreateCall {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	return append([]CreateCall(nil), sis.calls...)
}

func (sis *StubInstanceSet) Stop() {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	sis.stopped = true
}

type StubInstance struct {
	id           cloud.InstanceID
	providerType string
	region       string
	tags         cloud.InstanceTags
}

func (si *StubInstance) ID() cloud.InstanceID     { return si.id }
func (si *StubInstance) String() string           { return string(si.id) }
func (si *StubInstance) ProviderType() string     { return si.providerType }
func (si *StubInstance) Region() string           { return si.region }
func (si *StubInstance) Tags() cloud.InstanceTags { return copyTags(si.tags) }

func copyTags(t cloud.InstanceTags) cloud.InstanceTags {
	t2 := cloud.InstanceTags{}
	for k, v := range t {
		t2[k] = v
	}
	return t2
}
