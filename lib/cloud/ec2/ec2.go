// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"git.cloudcontain.net/cloudcontain.git/lib/cloud"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/sirupsen/logrus"
)

// Tag added to every instance so operators can find the instances
// belonging to a cluster.
const tagKeyInstanceSetID = "cloudcontain-instance-set"

var (
	throttleDelayMin = time.Second
	throttleDelayMax = time.Minute
)

// Driver is the ec2 implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newEC2InstanceSet)

type ec2InstanceSetConfig struct {
	AccessKeyID        string
	SecretAccessKey    string
	Region             string
	SecurityGroupIDs   []string
	SubnetID           string
	KeyPairName        string
	IAMInstanceProfile string
}

type ec2InstanceSet struct {
	ec2config     ec2InstanceSetConfig
	instanceSetID cloud.InstanceSetID
	logger        logrus.FieldLogger
	client        ec2iface.EC2API

	mtx           sync.Mutex
	throttleDelay time.Duration
}

func newEC2InstanceSet(config json.RawMessage, instanceSetID cloud.InstanceSetID, logger logrus.FieldLogger) (prv cloud.InstanceSet, err error) {
	instanceSet := &ec2InstanceSet{
		instanceSetID: instanceSetID,
		logger:        logger,
	}
	if len(config) > 0 {
		err = json.Unmarshal(config, &instanceSet.ec2config)
		if err != nil {
			return nil, err
		}
	}
	awsConfig := aws.NewConfig().WithRegion(instanceSet.ec2config.Region)
	if instanceSet.ec2config.AccessKeyID != "" || instanceSet.ec2config.SecretAccessKey != "" {
		// Otherwise the SDK's default credential chain
		// (environment, instance role) is used.
		awsConfig = awsConfig.WithCredentials(credentials.NewStaticCredentials(
			instanceSet.ec2config.AccessKeyID,
			instanceSet.ec2config.SecretAccessKey,
			""))
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, err
	}
	instanceSet.client = ec2.New(sess)
	return instanceSet, nil
}

func (instanceSet *ec2InstanceSet) Create(
	ctx context.Context,
	instanceType string,
	imageID cloud.ImageID,
	newTags cloud.InstanceTags) (cloud.Instance, error) {

	ec2tags := []*ec2.Tag{
		{
			Key:   aws.String(tagKeyInstanceSetID),
			Value: aws.String(string(instanceSet.instanceSetID)),
		},
	}
	for k, v := range newTags {
		ec2tags = append(ec2tags, &ec2.Tag{
			Key:   aws.String(k),
			Value: aws.String(v),
		})
	}

	rii := ec2.RunInstancesInput{
		ImageId:                           aws.String(string(imageID)),
		InstanceType:                      aws.String(instanceType),
		MaxCount:                          aws.Int64(1),
		MinCount:                          aws.Int64(1),
		DisableApiTermination:             aws.Bool(false),
		InstanceInitiatedShutdownBehavior: aws.String("terminate"),
		TagSpecifications: []*ec2.TagSpecification{
			{
				ResourceType: aws.String("instance"),
				Tags:         ec2tags,
			}},
	}
	if instanceSet.ec2config.KeyPairName != "" {
		rii.KeyName = aws.String(instanceSet.ec2config.KeyPairName)
	}
	if instanceSet.ec2config.SubnetID != "" || len(instanceSet.ec2config.SecurityGroupIDs) > 0 {
		ni := &ec2.InstanceNetworkInterfaceSpecification{
			AssociatePublicIpAddress: aws.Bool(false),
			DeleteOnTermination:      aws.Bool(true),
			DeviceIndex:              aws.Int64(0),
			Groups:                   aws.StringSlice(instanceSet.ec2config.SecurityGroupIDs),
		}
		if instanceSet.ec2config.SubnetID != "" {
			ni.SubnetId = aws.String(instanceSet.ec2config.SubnetID)
		}
		rii.NetworkInterfaces = []*ec2.InstanceNetworkInterfaceSpecification{ni}
	}
	if instanceSet.ec2config.IAMInstanceProfile != "" {
		rii.IamInstanceProfile = &ec2.IamInstanceProfileSpecification{
			Name: aws.String(instanceSet.ec2config.IAMInstanceProfile),
		}
	}

	rsv, err := instanceSet.client.RunInstancesWithContext(ctx, &rii)
	err = instanceSet.wrapError(err)
	if err != nil {
		return nil, err
	}
	if len(rsv.Instances) == 0 {
		return nil, fmt.Errorf("RunInstances returned no instances")
	}
	return &ec2Instance{
		provider: instanceSet,
		instance: rsv.Instances[0],
	}, nil
}

func (instanceSet *ec2InstanceSet) Stop() {
}

type ec2Instance struct {
	provider *ec2InstanceSet
	instance *ec2.Instance
}

func (inst *ec2Instance) ID() cloud.InstanceID {
	return cloud.InstanceID(aws.StringValue(inst.instance.InstanceId))
}

func (inst *ec2Instance) String() string {
	return aws.StringValue(inst.instance.InstanceId)
}

func (inst *ec2Instance) ProviderType() string {
	return aws.StringValue(inst.instance.InstanceType)
}

func (inst *ec2Instance) Region() string {
	if inst.instance.Placement != nil && inst.instance.Placement.AvailabilityZone != nil {
		return *inst.instance.Placement.AvailabilityZone
	}
	return inst.provider.ec2config.Region
}

func (inst *ec2Instance) Tags() cloud.InstanceTags {
	tags := cloud.InstanceTags{}
	for _, t := range inst.instance.Tags {
		if k := aws.StringValue(t.Key); k != tagKeyInstanceSetID {
			tags[k] = aws.StringValue(t.Value)
		}
	}
	return tags
}

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time {
	return err.earliestRetry
}

func (err rateLimitError) Unwrap() error {
	return err.error
}

type quotaError struct {
	error
}

func (quotaError) IsQuotaError() bool {
	return true
}

func (err quotaError) Unwrap() error {
	return err.error
}

var isCodeQuota = map[string]bool{
	"InstanceLimitExceeded":             true,
	"InsufficientAddressCapacity":       true,
	"InsufficientFreeAddressesInSubnet": true,
	"InsufficientInstanceCapacity":      true,
	"InsufficientVolumeCapacity":        true,
	"MaxSpotInstanceCountExceeded":      true,
	"VcpuLimitExceeded":                 true,
}

// wrapError converts EC2 throttling and capacity errors to
// cloud.RateLimitError and cloud.QuotaError. Consecutive throttling
// errors double the suggested retry delay; any other outcome resets
// it.
func (instanceSet *ec2InstanceSet) wrapError(err error) error {
	instanceSet.mtx.Lock()
	defer instanceSet.mtx.Unlock()
	aerr, ok := err.(awserr.Error)
	if ok && aerr.Code() == "RequestLimitExceeded" {
		d := instanceSet.throttleDelay * 2
		if d < throttleDelayMin {
			d = throttleDelayMin
		} else if d > throttleDelayMax {
			d = throttleDelayMax
		}
		instanceSet.throttleDelay = d
		return rateLimitError{error: err, earliestRetry: time.Now().Add(d)}
	}
	instanceSet.throttleDelay = 0
	if ok && isCodeQuota[aerr.Code()] {
		return quotaError{err}
	}
	return err
}
