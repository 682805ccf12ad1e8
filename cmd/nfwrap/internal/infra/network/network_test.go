// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package network

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEC2 struct {
	vpcs    map[string]types.Vpc
	subnets map[string]types.Subnet
	err     error
}

func (f *fakeEC2) DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := &ec2.DescribeVpcsOutput{}
	for _, id := range in.VpcIds {
		vpc, ok := f.vpcs[id]
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidVpcID.NotFound", Message: "The vpc ID '" + id + "' does not exist"}
		}
		out.Vpcs = append(out.Vpcs, vpc)
	}
	return out, nil
}

func (f *fakeEC2) DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	out := &ec2.DescribeSubnetsOutput{}
	for _, id := range in.SubnetIds {
		s, ok := f.subnets[id]
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidSubnetID.NotFound"}
		}
		out.Subnets = append(out.Subnets, s)
	}
	return out, nil
}

func subnet(id, vpc, az string, ips int32) types.Subnet {
	return types.Subnet{
		SubnetId:                aws.String(id),
		VpcId:                   aws.String(vpc),
		AvailabilityZone:        aws.String(az),
		State:                   types.SubnetStateAvailable,
		AvailableIpAddressCount: aws.Int32(ips),
	}
}

func newFake() *fakeEC2 {
	return &fakeEC2{
		vpcs: map[string]types.Vpc{
			"vpc-1":       {VpcId: aws.String("vpc-1"), State: types.VpcStateAvailable, CidrBlock: aws.String("10.0.0.0/16")},
			"vpc-pending": {VpcId: aws.String("vpc-pending"), State: types.VpcStatePending},
		},
		subnets: map[string]types.Subnet{
			"subnet-a":     subnet("subnet-a", "vpc-1", "us-west-1a", 250),
			"subnet-b":     subnet("subnet-b", "vpc-1", "us-west-1b", 250),
			"subnet-a2":    subnet("subnet-a2", "vpc-1", "us-west-1a", 250),
			"subnet-full":  subnet("subnet-full", "vpc-1", "us-west-1b", 0),
			"subnet-other": subnet("subnet-other", "vpc-2", "us-west-1a", 10),
		},
	}
}

func TestValidate_OK(t *testing.T) {
	report, err := NewValidator(newFake()).Validate(context.Background(), "vpc-1", []string{"subnet-a", "subnet-b"})
	require.NoError(t, err)
	assert.True(t, report.OK(), report.Problems)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, "10.0.0.0/16", report.CidrBlock)
	require.Len(t, report.Subnets, 2)
	assert.Equal(t, "us-west-1b", report.Subnets[1].AvailabilityZone)
}

func TestValidate_Problems(t *testing.T) {
	tests := []struct {
		name    string
		vpc     string
		subnets []string
		want    string
	}{
		{"missing vpc", "vpc-nope", []string{"subnet-a"}, "VPC vpc-nope does not exist"},
		{"pending vpc", "vpc-pending", []string{"subnet-a"}, "VPC vpc-pending is pending"},
		{"missing subnet", "vpc-1", []string{"subnet-a", "subnet-zzz"}, "subnet subnet-zzz does not exist"},
		{"foreign subnet", "vpc-1", []string{"subnet-other"}, "subnet subnet-other belongs to vpc-2, not vpc-1"},
		{"no subnets", "vpc-1", nil, "no subnets given"},
		{"no vpc", "", []string{"subnet-a"}, "no VPC ID given"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := NewValidator(newFake()).Validate(context.Background(), tt.vpc, tt.subnets)
			require.NoError(t, err)
			assert.False(t, report.OK())
			assert.Contains(t, strings.Join(report.Problems, "\n"), tt.want)
		})
	}
}

func TestValidate_Warnings(t *testing.T) {
	report, err := NewValidator(newFake()).Validate(context.Background(), "vpc-1", []string{"subnet-a", "subnet-a2"})
	require.NoError(t, err)
	assert.True(t, report.OK())
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "all subnets are in us-west-1a")

	report, err = NewValidator(newFake()).Validate(context.Background(), "vpc-1", []string{"subnet-full"})
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, []string{"subnet subnet-full has no free IP addresses"}, report.Warnings)
}

func TestValidate_APIError(t *testing.T) {
	boom := &smithy.GenericAPIError{Code: "UnauthorizedOperation"}
	f := newFake()
	f.err = boom
	_, err := NewValidator(f).Validate(context.Background(), "vpc-1", []string{"subnet-a"})
	require.Error(t, err)
	var apiErr smithy.APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "UnauthorizedOperation", apiErr.ErrorCode())
}

func TestReport_OK_Nil(t *testing.T) {
	var r *Report
	assert.False(t, r.OK())
}
