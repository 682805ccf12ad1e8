// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package stack manages the CloudFormation stacks that hold the Batch
compute environment, job queue and supporting roles.

# Lifecycle

  - Deploy creates a stack when it is absent and updates it otherwise.
  - A stack stuck in ROLLBACK_COMPLETE cannot be updated, so Deploy deletes
    it and creates it again.
  - "No updates are to be performed" is treated as success.
  - Delete on a missing stack is a no-op.
*/
package stack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"

	"github.com/pjongeneel/nextflow-docker/pkg/logging"
)

// -----------------------------------------------------------------------------
// Errors and constants
// -----------------------------------------------------------------------------

var (
	// ErrStackNotFound is returned by Describe for a stack that does not exist.
	ErrStackNotFound = errors.New("stack not found")

	// ErrNoTemplate is returned by Deploy when neither a body nor a URL is set.
	ErrNoTemplate = errors.New("no template body or URL")
)

const (
	// DefaultMaxWait bounds how long Deploy and Delete wait for completion.
	DefaultMaxWait = 30 * time.Minute

	// DefaultPollDelay is the minimum delay between waiter polls.
	DefaultPollDelay = 15 * time.Second

	maxPollDelay = 2 * time.Minute
)

// API is the subset of *cloudformation.Client used by Manager.
type API interface {
	cloudformation.DescribeStacksAPIClient
	CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, params *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
	DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Stack is the observed state of a CloudFormation stack.
type Stack struct {
	Name         string
	ID           string
	Status       string
	StatusReason string
	Outputs      map[string]string
}

// Input describes a stack to deploy.
type Input struct {
	Name string

	// Exactly one of TemplateBody and TemplateURL should be set.
	TemplateBody string
	TemplateURL  string

	Parameters   map[string]string
	Capabilities []string
	Tags         map[string]string

	// Wait blocks until the stack reaches a terminal state.
	Wait bool
}

// Manager deploys, describes and deletes stacks.
type Manager struct {
	api    API
	logger *logging.Logger

	// MaxWait bounds a single wait. Zero means DefaultMaxWait.
	MaxWait time.Duration

	// PollDelay is the waiter's minimum poll delay. Zero means DefaultPollDelay.
	PollDelay time.Duration
}

// NewManager creates a Manager.
func NewManager(api API, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{api: api, logger: logger}
}

// -----------------------------------------------------------------------------
// Operations
// -----------------------------------------------------------------------------

// Describe returns the current state of the named stack.
func (m *Manager) Describe(ctx context.Context, name string) (*Stack, error) {
	out, err := m.api.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)})
	if isStackMissing(err) {
		return nil, fmt.Errorf("%w: %s", ErrStackNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("describe stack %s: %w", name, err)
	}
	if len(out.Stacks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrStackNotFound, name)
	}
	return fromSDK(out.Stacks[0]), nil
}

// Deploy creates or updates a stack.
//
// # Description
//
// The stack is described first. A missing stack is created. An existing
// stack in ROLLBACK_COMPLETE is deleted and recreated. Any other existing
// stack is updated, and an update with no changes returns the current
// state without error.
//
// # Inputs
//
//   - ctx: Context for cancellation
//   - in: Stack definition; Name and one template source are required
//
// # Outputs
//
//   - *Stack: State after the operation (after the wait when in.Wait)
//   - error: API failure, a failed waiter, or ErrNoTemplate
func (m *Manager) Deploy(ctx context.Context, in Input) (*Stack, error) {
	if in.Name == "" {
		return nil, errors.New("stack name is required")
	}
	if in.TemplateBody == "" && in.TemplateURL == "" {
		return nil, ErrNoTemplate
	}

	current, err := m.Describe(ctx, in.Name)
	if err != nil && !errors.Is(err, ErrStackNotFound) {
		return nil, err
	}

	if current != nil && current.Status == string(types.StackStatusRollbackComplete) {
		m.logger.Warn("Stack is in ROLLBACK_COMPLETE, recreating", "stack", in.Name)
		if err := m.Delete(ctx, in.Name, true); err != nil {
			return nil, err
		}
		current = nil
	}

	if current == nil {
		return m.create(ctx, in)
	}
	return m.update(ctx, in, current)
}

func (m *Manager) create(ctx context.Context, in Input) (*Stack, error) {
	m.logger.Info("Creating stack", "stack", in.Name)
	_, err := m.api.CreateStack(ctx, &cloudformation.CreateStackInput{
		StackName:    aws.String(in.Name),
		TemplateBody: optional(in.TemplateBody),
		TemplateURL:  optional(in.TemplateURL),
		Parameters:   parameters(in.Parameters),
		Capabilities: capabilities(in.Capabilities),
		Tags:         tags(in.Tags),
	})
	if err != nil {
		return nil, fmt.Errorf("create stack %s: %w", in.Name, err)
	}

	if in.Wait {
		waiter := cloudformation.NewStackCreateCompleteWaiter(m.api, func(o *cloudformation.StackCreateCompleteWaiterOptions) {
			o.MinDelay, o.MaxDelay = m.delays()
		})
		if err := waiter.Wait(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(in.Name)}, m.maxWait()); err != nil {
			return nil, fmt.Errorf("wait for stack %s creation: %w", in.Name, err)
		}
	}
	return m.Describe(ctx, in.Name)
}

func (m *Manager) update(ctx context.Context, in Input, current *Stack) (*Stack, error) {
	m.logger.Info("Updating stack", "stack", in.Name, "status", current.Status)
	_, err := m.api.UpdateStack(ctx, &cloudformation.UpdateStackInput{
		StackName:    aws.String(in.Name),
		TemplateBody: optional(in.TemplateBody),
		TemplateURL:  optional(in.TemplateURL),
		Parameters:   parameters(in.Parameters),
		Capabilities: capabilities(in.Capabilities),
		Tags:         tags(in.Tags),
	})
	if isNoUpdates(err) {
		m.logger.Info("Stack is up to date", "stack", in.Name)
		return current, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update stack %s: %w", in.Name, err)
	}

	if in.Wait {
		waiter := cloudformation.NewStackUpdateCompleteWaiter(m.api, func(o *cloudformation.StackUpdateCompleteWaiterOptions) {
			o.MinDelay, o.MaxDelay = m.delays()
		})
		if err := waiter.Wait(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(in.Name)}, m.maxWait()); err != nil {
			return nil, fmt.Errorf("wait for stack %s update: %w", in.Name, err)
		}
	}
	return m.Describe(ctx, in.Name)
}

// Delete removes the named stack. A missing stack is not an error.
func (m *Manager) Delete(ctx context.Context, name string, wait bool) error {
	current, err := m.Describe(ctx, name)
	if errors.Is(err, ErrStackNotFound) {
		m.logger.Debug("Stack already absent", "stack", name)
		return nil
	}
	if err != nil {
		return err
	}

	m.logger.Info("Deleting stack", "stack", name, "status", current.Status)
	if _, err := m.api.DeleteStack(ctx, &cloudformation.DeleteStackInput{StackName: aws.String(name)}); err != nil {
		return fmt.Errorf("delete stack %s: %w", name, err)
	}
	if !wait {
		return nil
	}

	// Deleted stacks are only describable by ID.
	ref := name
	if current.ID != "" {
		ref = current.ID
	}
	waiter := cloudformation.NewStackDeleteCompleteWaiter(m.api, func(o *cloudformation.StackDeleteCompleteWaiterOptions) {
		o.MinDelay, o.MaxDelay = m.delays()
	})
	if err := waiter.Wait(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(ref)}, m.maxWait()); err != nil {
		return fmt.Errorf("wait for stack %s deletion: %w", name, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Templates
// -----------------------------------------------------------------------------

// TemplateSource resolves a template reference into a body or a URL.
//
// https URLs are passed through, s3://bucket/key becomes the bucket's
// virtual-hosted URL, and anything else is read as a local file.
func TemplateSource(ref string) (body, url string, err error) {
	switch {
	case strings.HasPrefix(ref, "https://"):
		return "", ref, nil
	case strings.HasPrefix(ref, "s3://"):
		rest := strings.TrimPrefix(ref, "s3://")
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return "", "", fmt.Errorf("invalid template URI %q", ref)
		}
		return "", fmt.Sprintf("https://%s.s3.amazonaws.com/%s", bucket, key), nil
	default:
		data, err := os.ReadFile(ref)
		if err != nil {
			return "", "", fmt.Errorf("read template: %w", err)
		}
		return string(data), "", nil
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (m *Manager) maxWait() time.Duration {
	if m.MaxWait > 0 {
		return m.MaxWait
	}
	return DefaultMaxWait
}

func (m *Manager) delays() (time.Duration, time.Duration) {
	minDelay := m.PollDelay
	if minDelay <= 0 {
		minDelay = DefaultPollDelay
	}
	return minDelay, max(minDelay, maxPollDelay)
}

func fromSDK(s types.Stack) *Stack {
	out := &Stack{
		Name:         aws.ToString(s.StackName),
		ID:           aws.ToString(s.StackId),
		Status:       string(s.StackStatus),
		StatusReason: aws.ToString(s.StackStatusReason),
		Outputs:      make(map[string]string, len(s.Outputs)),
	}
	for _, o := range s.Outputs {
		out.Outputs[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

func parameters(in map[string]string) []types.Parameter {
	keys := sortedKeys(in)
	out := make([]types.Parameter, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Parameter{ParameterKey: aws.String(k), ParameterValue: aws.String(in[k])})
	}
	return out
}

func tags(in map[string]string) []types.Tag {
	keys := sortedKeys(in)
	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(in[k])})
	}
	return out
}

func capabilities(in []string) []types.Capability {
	out := make([]types.Capability, 0, len(in))
	for _, c := range in {
		out = append(out, types.Capability(c))
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isStackMissing(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) &&
		apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "does not exist")
}

func isNoUpdates(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) &&
		apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "No updates are to be performed")
}
