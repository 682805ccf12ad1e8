// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry manages the ECR repository holding the pipeline's
// container images and logs the local docker client into it.
package registry

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/awnumar/memguard"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/infra/process"
	"github.com/pjongeneel/nextflow-docker/pkg/logging"
)

// ErrMalformedToken is returned when an authorization token does not
// decode to "user:password".
var ErrMalformedToken = errors.New("malformed ECR authorization token")

// DockerBinary is the client Login shells out to.
const DockerBinary = "docker"

// API is the subset of *ecr.Client used by Manager.
type API interface {
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// Manager wraps ECR repository operations.
type Manager struct {
	api    API
	logger *logging.Logger
}

// NewManager creates a Manager.
func NewManager(api API, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{api: api, logger: logger}
}

// Ensure returns the URI of the named repository, creating it first when
// it does not exist. A concurrent creation by someone else is tolerated.
func (m *Manager) Ensure(ctx context.Context, name string, scanOnPush bool) (string, error) {
	if name == "" {
		return "", errors.New("repository name is required")
	}

	out, err := m.api.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{RepositoryNames: []string{name}})
	if err == nil && len(out.Repositories) > 0 {
		uri := aws.ToString(out.Repositories[0].RepositoryUri)
		m.logger.Debug("Repository exists", "repository", name, "uri", uri)
		return uri, nil
	}
	var notFound *types.RepositoryNotFoundException
	if err != nil && !errors.As(err, &notFound) {
		return "", fmt.Errorf("describe repository %s: %w", name, err)
	}

	m.logger.Info("Creating repository", "repository", name, "scan_on_push", scanOnPush)
	created, err := m.api.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName:             aws.String(name),
		ImageScanningConfiguration: &types.ImageScanningConfiguration{ScanOnPush: scanOnPush},
	})
	var exists *types.RepositoryAlreadyExistsException
	if errors.As(err, &exists) {
		return m.describeURI(ctx, name)
	}
	if err != nil {
		return "", fmt.Errorf("create repository %s: %w", name, err)
	}
	return aws.ToString(created.Repository.RepositoryUri), nil
}

func (m *Manager) describeURI(ctx context.Context, name string) (string, error) {
	out, err := m.api.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{RepositoryNames: []string{name}})
	if err != nil {
		return "", fmt.Errorf("describe repository %s: %w", name, err)
	}
	if len(out.Repositories) == 0 {
		return "", fmt.Errorf("repository %s vanished after creation", name)
	}
	return aws.ToString(out.Repositories[0].RepositoryUri), nil
}

// Login authenticates the docker client against the account's registry.
//
// # Description
//
// Fetches an authorization token, decodes it into user and password, and
// pipes the password to "docker login --password-stdin" so it never
// appears in an argument list. The decoded token is held in a locked
// buffer and wiped once docker has read it.
//
// # Outputs
//
//   - string: The registry endpoint logged into
//   - error: API failure, ErrMalformedToken, or a *process.CommandError
func (m *Manager) Login(ctx context.Context, proc process.Manager) (string, error) {
	out, err := m.api.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", fmt.Errorf("get authorization token: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return "", fmt.Errorf("%w: no authorization data returned", ErrMalformedToken)
	}
	data := out.AuthorizationData[0]
	endpoint := aws.ToString(data.ProxyEndpoint)

	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	sep := bytes.IndexByte(decoded, ':')
	if sep <= 0 || sep == len(decoded)-1 {
		memguard.WipeBytes(decoded)
		return "", ErrMalformedToken
	}
	user := string(decoded[:sep])

	secret := memguard.NewBufferFromBytes(decoded)
	defer secret.Destroy()
	password := secret.Bytes()[sep+1:]

	if _, err := proc.RunWithInput(ctx, DockerBinary, password,
		"login", "--username", user, "--password-stdin", endpoint); err != nil {
		return "", fmt.Errorf("docker login %s: %w", endpoint, err)
	}

	m.logger.Info("Logged in to registry", "endpoint", endpoint, "expires", aws.ToTime(data.ExpiresAt))
	return endpoint, nil
}
