// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vmmaster

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&EC2Suite{})

type EC2Suite struct {
	client *fakeEC2
	ep     *EC2Provisioner
}

type fakeEC2 struct {
	mtx       sync.Mutex
	instances map[string]*types.Instance
	nextID    int
	// Number of DescribeInstances calls before a new instance
	// gets its IP.
	ipDelay      int
	describes    int
	runInput     *ec2.RunInstancesInput
	terminateErr error
}

func (f *fakeEC2) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.runInput = params
	f.nextID++
	id := "i-" + strings.Repeat("0", 5) + string(rune('0'+f.nextID))
	inst := &types.Instance{
		InstanceId: aws.String(id),
		State:      &types.InstanceState{Name: types.InstanceStateNamePending},
		Tags:       params.TagSpecifications[0].Tags,
	}
	f.instances[id] = inst
	return &ec2.RunInstancesOutput{Instances: []types.Instance{*inst}}, nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.describes++
	var found []types.Instance
	for id, inst := range f.instances {
		if f.describes > f.ipDelay && inst.PrivateIpAddress == nil {
			inst.PrivateIpAddress = aws.String("172.16.0." + id[len(id)-1:])
			inst.State = &types.InstanceState{Name: types.InstanceStateNameRunning}
		}
		if len(params.InstanceIds) > 0 && params.InstanceIds[0] != id {
			continue
		}
		if !f.matches(inst, params.Filters) {
			continue
		}
		found = append(found, *inst)
	}
	return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{Instances: found}}}, nil
}

func (f *fakeEC2) matches(inst *types.Instance, filters []types.Filter) bool {
	for _, flt := range filters {
		var val string
		switch name := aws.ToString(flt.Name); {
		case name == "instance-state-name":
			val = string(inst.State.Name)
		case strings.HasPrefix(name, "tag:"):
			for _, t := range inst.Tags {
				if aws.ToString(t.Key) == name[4:] {
					val = aws.ToString(t.Value)
				}
			}
		}
		ok := false
		for _, v := range flt.Values {
			ok = ok || v == val
		}
		if !ok {
			return false
		}
	}
	return true
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.terminateErr != nil {
		return nil, f.terminateErr
	}
	for _, id := range params.InstanceIds {
		f.instances[id].State = &types.InstanceState{Name: types.InstanceStateNameShuttingDown}
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (s *EC2Suite) SetUpTest(c *check.C) {
	s.client = &fakeEC2{instances: map[string]*types.Instance{}, ipDelay: 2}
	s.ep = &EC2Provisioner{
		Config: config.EC2Config{
			ImageID:          "ami-123",
			InstanceType:     "m5.large",
			SubnetID:         "subnet-1",
			SecurityGroupIDs: []string{"sg-1"},
			Tags:             map[string]string{"FedoraGroup": "copr"},
		},
		Logger:       ctxlog.TestLogger(c),
		IPTimeout:    10 * time.Second,
		PollInterval: time.Millisecond,
		client:       s.client,
	}
}

func (s *EC2Suite) TestSpawnTerminate(c *check.C) {
	name, ip, err := s.ep.Spawn(context.Background(), config.BuildGroup{ID: 3})
	c.Assert(err, check.IsNil)
	c.Check(name, check.Matches, `copr-builder-[a-z0-9]{12}`)
	c.Check(ip, check.Equals, "172.16.0.1")
	c.Check(aws.ToString(s.client.runInput.ImageId), check.Equals, "ami-123")
	c.Check(aws.ToString(s.client.runInput.SubnetId), check.Equals, "subnet-1")
	c.Check(s.client.runInput.KeyName, check.IsNil)
	tags := map[string]string{}
	for _, t := range s.client.runInput.TagSpecifications[0].Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	c.Check(tags, check.DeepEquals, map[string]string{"Name": name, "copr-role": "builder", "FedoraGroup": "copr"})

	c.Assert(s.ep.Terminate(context.Background(), config.BuildGroup{ID: 3}, name, ip), check.IsNil)
	c.Check(s.client.instances["i-000001"].State.Name, check.Equals, types.InstanceStateNameShuttingDown)

	// Nothing left to terminate.
	c.Check(s.ep.Terminate(context.Background(), config.BuildGroup{ID: 3}, name, ip), check.IsNil)
}

func (s *EC2Suite) TestSpawnNoIP(c *check.C) {
	s.client.ipDelay = 1 << 30
	s.ep.IPTimeout = 50 * time.Millisecond
	_, _, err := s.ep.Spawn(context.Background(), config.BuildGroup{ID: 3})
	var se *SpawnError
	c.Assert(errors.As(err, &se), check.Equals, true)
	c.Check(se.Name, check.Matches, `copr-builder-.*`)
	c.Check(se.IP, check.Equals, "")
	c.Check(err, check.ErrorMatches, `.*has no IP after.*`)
}

func (s *EC2Suite) TestTerminateNotFound(c *check.C) {
	name, ip, err := s.ep.Spawn(context.Background(), config.BuildGroup{ID: 3})
	c.Assert(err, check.IsNil)
	s.client.terminateErr = &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: "gone"}
	c.Check(s.ep.Terminate(context.Background(), config.BuildGroup{ID: 3}, name, ip), check.IsNil)
	s.client.terminateErr = &smithy.GenericAPIError{Code: "UnauthorizedOperation", Message: "no"}
	c.Check(s.ep.Terminate(context.Background(), config.BuildGroup{ID: 3}, name, ip), check.NotNil)
}

func (s *EC2Suite) TestNewEC2ProvisionerValidates(c *check.C) {
	_, err := NewEC2Provisioner(context.Background(), config.EC2Config{Region: "us-east-1"}, ctxlog.TestLogger(c))
	c.Check(err, check.ErrorMatches, `.*image_id and instance_type`)
}
