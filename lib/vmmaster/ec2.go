// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vmmaster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/jmcvetta/randutil"
	"github.com/sirupsen/logrus"
)

const ec2NamePrefix = "copr-builder-"

// ec2API is the subset of *ec2.Client used here.
type ec2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// EC2Provisioner runs builders as EC2 instances. Instances are
// identified by their Name tag, which is also the VM name.
type EC2Provisioner struct {
	Config config.EC2Config
	Logger logrus.FieldLogger
	// How long to wait for a new instance's private IP.
	IPTimeout    time.Duration
	PollInterval time.Duration

	client ec2API
}

func NewEC2Provisioner(ctx context.Context, cfg config.EC2Config, logger logrus.FieldLogger) (*EC2Provisioner, error) {
	if cfg.ImageID == "" || cfg.InstanceType == "" {
		return nil, errors.New("ec2 provisioner needs image_id and instance_type")
	}
	awscfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &EC2Provisioner{
		Config:       cfg,
		Logger:       logger,
		IPTimeout:    5 * time.Minute,
		PollInterval: 5 * time.Second,
		client:       ec2.NewFromConfig(awscfg),
	}, nil
}

func (ep *EC2Provisioner) tags(name string) []types.Tag {
	tags := []types.Tag{
		{Key: aws.String("Name"), Value: aws.String(name)},
		{Key: aws.String("copr-role"), Value: aws.String("builder")},
	}
	var keys []string
	for k := range ep.Config.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(ep.Config.Tags[k])})
	}
	return tags
}

func (ep *EC2Provisioner) Spawn(ctx context.Context, group config.BuildGroup) (string, string, error) {
	suffix, err := randutil.String(12, "abcdefghijklmnopqrstuvwxyz0123456789")
	if err != nil {
		return "", "", err
	}
	name := ec2NamePrefix + suffix
	if timeout := group.PlaybookTimeout.Duration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	rii := &ec2.RunInstancesInput{
		ImageId:      aws.String(ep.Config.ImageID),
		InstanceType: types.InstanceType(ep.Config.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         ep.tags(name),
		}},
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
	}
	if ep.Config.KeyName != "" {
		rii.KeyName = aws.String(ep.Config.KeyName)
	}
	if ep.Config.SubnetID != "" {
		rii.SubnetId = aws.String(ep.Config.SubnetID)
	}
	if len(ep.Config.SecurityGroupIDs) > 0 {
		rii.SecurityGroupIds = ep.Config.SecurityGroupIDs
	}
	rsv, err := ep.client.RunInstances(ctx, rii)
	if err != nil {
		return "", "", &SpawnError{Group: group.ID, Err: err}
	}
	if len(rsv.Instances) == 0 {
		return "", "", &SpawnError{Group: group.ID, Err: errors.New("RunInstances returned no instances")}
	}
	id := aws.ToString(rsv.Instances[0].InstanceId)
	logger := ep.Logger.WithFields(logrus.Fields{"VMName": name, "InstanceID": id, "Group": group.ID})
	logger.Info("instance created, waiting for IP")

	ip := aws.ToString(rsv.Instances[0].PrivateIpAddress)
	deadline := time.Now().Add(ep.IPTimeout)
	for ip == "" {
		if time.Now().After(deadline) {
			return "", "", &SpawnError{Group: group.ID, Name: name, Err: fmt.Errorf("instance %s has no IP after %s", id, ep.IPTimeout)}
		}
		select {
		case <-ctx.Done():
			return "", "", &SpawnError{Group: group.ID, Name: name, Err: ctx.Err()}
		case <-time.After(ep.PollInterval):
		}
		inst, err := ep.describe(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
		if err != nil {
			logger.WithError(err).Warn("error describing instance")
			continue
		}
		if len(inst) > 0 {
			ip = aws.ToString(inst[0].PrivateIpAddress)
		}
	}
	logger.WithField("VMIP", ip).Info("VM spawned")
	return name, ip, nil
}

func (ep *EC2Provisioner) describe(ctx context.Context, dii *ec2.DescribeInstancesInput) ([]types.Instance, error) {
	var insts []types.Instance
	for {
		page, err := ep.client.DescribeInstances(ctx, dii)
		if err != nil {
			return nil, err
		}
		for _, rsv := range page.Reservations {
			insts = append(insts, rsv.Instances...)
		}
		if page.NextToken == nil {
			return insts, nil
		}
		dii.NextToken = page.NextToken
	}
}

// Terminate succeeds if no live instance with the given name exists
// afterwards.
func (ep *EC2Provisioner) Terminate(ctx context.Context, group config.BuildGroup, name, ip string) error {
	insts, err := ep.describe(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return err
	}
	var ids []string
	for _, inst := range insts {
		ids = append(ids, aws.ToString(inst.InstanceId))
	}
	if len(ids) == 0 {
		ep.Logger.WithField("VMName", name).Info("no instance to terminate")
		return nil
	}
	_, err = ep.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound" {
		return nil
	}
	return err
}
