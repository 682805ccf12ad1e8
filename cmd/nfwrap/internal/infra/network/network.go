// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package network validates the VPC and subnets a Batch compute
// environment is about to be deployed into.
package network

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// API is the subset of *ec2.Client used by Validator.
type API interface {
	DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
}

// Subnet is what Validate learned about one subnet.
type Subnet struct {
	ID               string
	VpcID            string
	AvailabilityZone string
	State            string
	AvailableIPs     int32
	Found            bool
}

// Report is the outcome of Validate.
type Report struct {
	VpcID     string
	VpcFound  bool
	VpcState  string
	CidrBlock string
	Subnets   []Subnet

	// Problems make the network unusable.
	Problems []string

	// Warnings are worth fixing but do not block a deploy.
	Warnings []string
}

// OK reports whether there are no problems.
func (r *Report) OK() bool {
	return r != nil && len(r.Problems) == 0
}

// Validator checks VPC and subnet configuration.
type Validator struct {
	api API
}

// NewValidator creates a Validator.
func NewValidator(api API) *Validator {
	return &Validator{api: api}
}

// Validate checks that vpcID exists and is available, and that every
// subnet exists, is available and belongs to vpcID.
//
// # Description
//
// Missing resources (InvalidVpcID.NotFound, InvalidSubnetID.NotFound) are
// recorded as problems in the Report. Only transport and permission
// failures are returned as errors. Subnets are described one at a time
// because EC2 fails the whole call when any ID in a batch is unknown.
//
// Subnets all in one availability zone, or with no free addresses, are
// reported as warnings.
//
// # Outputs
//
//   - *Report: Findings; check Report.OK
//   - error: API failures other than not-found
func (v *Validator) Validate(ctx context.Context, vpcID string, subnetIDs []string) (*Report, error) {
	report := &Report{VpcID: vpcID}

	if vpcID == "" {
		report.Problems = append(report.Problems, "no VPC ID given")
	} else {
		out, err := v.api.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{vpcID}})
		switch {
		case isNotFound(err, "InvalidVpcID.NotFound"):
			report.Problems = append(report.Problems, fmt.Sprintf("VPC %s does not exist", vpcID))
		case err != nil:
			return nil, fmt.Errorf("describe VPC %s: %w", vpcID, err)
		case len(out.Vpcs) == 0:
			report.Problems = append(report.Problems, fmt.Sprintf("VPC %s does not exist", vpcID))
		default:
			vpc := out.Vpcs[0]
			report.VpcFound = true
			report.VpcState = string(vpc.State)
			report.CidrBlock = aws.ToString(vpc.CidrBlock)
			if vpc.State != types.VpcStateAvailable {
				report.Problems = append(report.Problems, fmt.Sprintf("VPC %s is %s", vpcID, vpc.State))
			}
		}
	}

	if len(subnetIDs) == 0 {
		report.Problems = append(report.Problems, "no subnets given")
	}

	zones := map[string]bool{}
	for _, id := range subnetIDs {
		subnet, err := v.describeSubnet(ctx, id)
		if err != nil {
			return nil, err
		}
		report.Subnets = append(report.Subnets, subnet)

		if !subnet.Found {
			report.Problems = append(report.Problems, fmt.Sprintf("subnet %s does not exist", id))
			continue
		}
		zones[subnet.AvailabilityZone] = true
		if subnet.State != string(types.SubnetStateAvailable) {
			report.Problems = append(report.Problems, fmt.Sprintf("subnet %s is %s", id, subnet.State))
		}
		if vpcID != "" && subnet.VpcID != vpcID {
			report.Problems = append(report.Problems, fmt.Sprintf("subnet %s belongs to %s, not %s", id, subnet.VpcID, vpcID))
		}
		if subnet.AvailableIPs == 0 {
			report.Warnings = append(report.Warnings, fmt.Sprintf("subnet %s has no free IP addresses", id))
		}
	}

	if len(zones) == 1 && len(subnetIDs) > 1 {
		var only string
		for z := range zones {
			only = z
		}
		report.Warnings = append(report.Warnings, fmt.Sprintf("all subnets are in %s; spot capacity is better spread over several zones", only))
	}

	sort.Strings(report.Warnings)
	return report, nil
}

func (v *Validator) describeSubnet(ctx context.Context, id string) (Subnet, error) {
	out, err := v.api.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{SubnetIds: []string{id}})
	if isNotFound(err, "InvalidSubnetID.NotFound") {
		return Subnet{ID: id}, nil
	}
	if err != nil {
		return Subnet{}, fmt.Errorf("describe subnet %s: %w", id, err)
	}
	if len(out.Subnets) == 0 {
		return Subnet{ID: id}, nil
	}
	s := out.Subnets[0]
	return Subnet{
		ID:               id,
		VpcID:            aws.ToString(s.VpcId),
		AvailabilityZone: aws.ToString(s.AvailabilityZone),
		State:            string(s.State),
		AvailableIPs:     aws.ToInt32(s.AvailableIpAddressCount),
		Found:            true,
	}, nil
}

func isNotFound(err error, code string) bool {
	var apiErr smithy.APIError
	return err != nil && errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
