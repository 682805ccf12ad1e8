// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package awsauth resolves AWS credentials for nfwrap.
//
// Inside a Batch head-node container credentials come from the task role;
// on a workstation from a shared-config profile. Either can be swapped for
// an assumed role to reach a pipeline account.
package awsauth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// DefaultSessionName tags assumed-role sessions in CloudTrail.
const DefaultSessionName = "nfwrap"

// ErrInvalidBucketName is returned by BucketName when the derived name
// breaks S3 naming rules.
var ErrInvalidBucketName = errors.New("invalid bucket name")

// Options selects credentials and region.
type Options struct {
	// Profile is a shared config profile. Empty uses the default chain.
	Profile string

	// Region overrides the configured region.
	Region string

	// RoleARN, when set, is assumed on top of the base credentials.
	RoleARN string

	// SessionName for the assumed role. Default: DefaultSessionName.
	SessionName string
}

// Load builds an aws.Config.
//
// # Description
//
// Resolves the default credential chain (env, shared config, web identity,
// ECS/EC2 role) with the optional profile and region. When RoleARN is set
// the credentials are replaced by an STS assume-role provider wrapped in a
// credentials cache, so the role is re-assumed before expiry during long
// pipeline runs.
//
// # Outputs
//
//   - aws.Config: Ready for service clients
//   - error: Shared config or profile errors
func Load(ctx context.Context, opts Options) (aws.Config, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}

	if opts.RoleARN != "" {
		sessionName := opts.SessionName
		if sessionName == "" {
			sessionName = DefaultSessionName
		}
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), opts.RoleARN,
			func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = sessionName
			})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}
	return cfg, nil
}

// STSAPI is the subset of *sts.Client used by Identity.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// CallerIdentity is who the resolved credentials belong to.
type CallerIdentity struct {
	Account string
	ARN     string
	UserID  string
}

// Identity returns the caller identity for api's credentials.
func Identity(ctx context.Context, api STSAPI) (*CallerIdentity, error) {
	out, err := api.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("get caller identity: %w", err)
	}
	return &CallerIdentity{
		Account: aws.ToString(out.Account),
		ARN:     aws.ToString(out.Arn),
		UserID:  aws.ToString(out.UserId),
	}, nil
}

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*[a-z0-9]$`)

// BucketName derives the per-account bucket name
// "<prefix>-<account>-<region>", lower-cased.
//
// # Outputs
//
//   - string: The bucket name
//   - error: ErrInvalidBucketName if the result is not 3-63 characters of
//     lower-case letters, digits, dots and hyphens, starting and ending
//     with a letter or digit
func BucketName(prefix, account, region string) (string, error) {
	parts := make([]string, 0, 3)
	for _, p := range []string{prefix, account, region} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	name := strings.ToLower(strings.Join(parts, "-"))

	if len(name) < 3 || len(name) > 63 {
		return "", fmt.Errorf("%w: %q must be 3-63 characters", ErrInvalidBucketName, name)
	}
	if !bucketNamePattern.MatchString(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidBucketName, name)
	}
	return name, nil
}
