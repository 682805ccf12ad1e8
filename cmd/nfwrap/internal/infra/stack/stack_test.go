// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stack

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pjongeneel/nextflow-docker/pkg/logging"
)

// =============================================================================
// Fake CloudFormation
// =============================================================================

type fakeStack struct {
	id       string
	status   types.StackStatus
	body     string
	params   []types.Parameter
	outputs  []types.Output
	capCount int
}

type fakeCFN struct {
	mu           sync.Mutex
	stacks       map[string]*fakeStack
	createStatus types.StackStatus
	creates      int
	updates      int
	deletes      int
	describeErr  error
	nextID       int
}

func newFakeCFN() *fakeCFN {
	return &fakeCFN{stacks: map[string]*fakeStack{}, createStatus: types.StackStatusCreateComplete}
}

func (f *fakeCFN) lookup(ref string) (string, *fakeStack) {
	if s, ok := f.stacks[ref]; ok && s.status != types.StackStatusDeleteComplete {
		return ref, s
	}
	for name, s := range f.stacks {
		if s.id == ref {
			return name, s
		}
	}
	return "", nil
}

func (f *fakeCFN) DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	ref := aws.ToString(in.StackName)
	name, s := f.lookup(ref)
	if s == nil {
		return nil, &smithy.GenericAPIError{Code: "ValidationError", Message: "Stack with id " + ref + " does not exist"}
	}
	return &cloudformation.DescribeStacksOutput{Stacks: []types.Stack{{
		StackName:   aws.String(name),
		StackId:     aws.String(s.id),
		StackStatus: s.status,
		Outputs:     s.outputs,
	}}}, nil
}

func (f *fakeCFN) CreateStack(ctx context.Context, in *cloudformation.CreateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.StackName)
	if s, ok := f.stacks[name]; ok && s.status != types.StackStatusDeleteComplete {
		return nil, &smithy.GenericAPIError{Code: "AlreadyExistsException"}
	}
	f.creates++
	f.nextID++
	id := "arn:aws:cloudformation:us-west-1:123:stack/" + name + "/" + string(rune('0'+f.nextID))
	f.stacks[name] = &fakeStack{
		id:       id,
		status:   f.createStatus,
		body:     aws.ToString(in.TemplateBody) + aws.ToString(in.TemplateURL),
		params:   in.Parameters,
		outputs:  []types.Output{{OutputKey: aws.String("JobQueueArn"), OutputValue: aws.String("arn:aws:batch:q")}},
		capCount: len(in.Capabilities),
	}
	return &cloudformation.CreateStackOutput{StackId: aws.String(id)}, nil
}

func (f *fakeCFN) UpdateStack(ctx context.Context, in *cloudformation.UpdateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, s := f.lookup(aws.ToString(in.StackName))
	if s == nil {
		return nil, &smithy.GenericAPIError{Code: "ValidationError", Message: "Stack does not exist"}
	}
	body := aws.ToString(in.TemplateBody) + aws.ToString(in.TemplateURL)
	if body == s.body {
		return nil, &smithy.GenericAPIError{Code: "ValidationError", Message: "No updates are to be performed."}
	}
	f.updates++
	s.body = body
	s.status = types.StackStatusUpdateComplete
	return &cloudformation.UpdateStackOutput{StackId: aws.String(s.id)}, nil
}

func (f *fakeCFN) DeleteStack(ctx context.Context, in *cloudformation.DeleteStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, s := f.lookup(aws.ToString(in.StackName)); s != nil {
		f.deletes++
		s.status = types.StackStatusDeleteComplete
	}
	return &cloudformation.DeleteStackOutput{}, nil
}

func newTestManager(api API) *Manager {
	m := NewManager(api, logging.New(logging.Config{Quiet: true}))
	m.PollDelay = time.Millisecond
	m.MaxWait = 5 * time.Second
	return m
}

// =============================================================================
// Describe
// =============================================================================

func TestDescribe_NotFound(t *testing.T) {
	_, err := newTestManager(newFakeCFN()).Describe(context.Background(), "nextflow")
	assert.True(t, errors.Is(err, ErrStackNotFound), "got %v", err)
}

func TestDescribe_APIError(t *testing.T) {
	f := newFakeCFN()
	f.describeErr = &smithy.GenericAPIError{Code: "AccessDenied"}
	_, err := newTestManager(f).Describe(context.Background(), "nextflow")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrStackNotFound))
}

// =============================================================================
// Deploy
// =============================================================================

func TestDeploy_CreatesThenUpdates(t *testing.T) {
	f := newFakeCFN()
	m := newTestManager(f)
	ctx := context.Background()

	in := Input{
		Name:         "nextflow",
		TemplateBody: "v1",
		Parameters:   map[string]string{"VpcId": "vpc-1", "Subnets": "subnet-a"},
		Capabilities: []string{"CAPABILITY_NAMED_IAM"},
		Wait:         true,
	}
	st, err := m.Deploy(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "CREATE_COMPLETE", st.Status)
	assert.Equal(t, "arn:aws:batch:q", st.Outputs["JobQueueArn"])
	assert.Equal(t, 1, f.creates)
	require.Len(t, f.stacks["nextflow"].params, 2)
	assert.Equal(t, "Subnets", aws.ToString(f.stacks["nextflow"].params[0].ParameterKey), "parameters are sorted")
	assert.Equal(t, 1, f.stacks["nextflow"].capCount)

	in.TemplateBody = "v2"
	st, err = m.Deploy(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "UPDATE_COMPLETE", st.Status)
	assert.Equal(t, 1, f.updates)
}

func TestDeploy_NoUpdatesIsNoop(t *testing.T) {
	f := newFakeCFN()
	m := newTestManager(f)
	ctx := context.Background()
	in := Input{Name: "nextflow", TemplateURL: "https://b.s3.amazonaws.com/t.yaml", Wait: true}

	_, err := m.Deploy(ctx, in)
	require.NoError(t, err)

	st, err := m.Deploy(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "CREATE_COMPLETE", st.Status)
	assert.Equal(t, 0, f.updates)
}

func TestDeploy_RecreatesRolledBackStack(t *testing.T) {
	f := newFakeCFN()
	f.stacks["nextflow"] = &fakeStack{id: "old-id", status: types.StackStatusRollbackComplete, body: "v1"}
	m := newTestManager(f)

	st, err := m.Deploy(context.Background(), Input{Name: "nextflow", TemplateBody: "v1", Wait: true})
	require.NoError(t, err)
	assert.Equal(t, 1, f.deletes)
	assert.Equal(t, 1, f.creates)
	assert.Equal(t, "CREATE_COMPLETE", st.Status)
	assert.NotEqual(t, "old-id", st.ID)
}

func TestDeploy_CreateFailureSurfacesFromWaiter(t *testing.T) {
	f := newFakeCFN()
	f.createStatus = types.StackStatusRollbackComplete
	m := newTestManager(f)

	_, err := m.Deploy(context.Background(), Input{Name: "nextflow", TemplateBody: "v1", Wait: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wait for stack nextflow creation")
}

func TestDeploy_Validation(t *testing.T) {
	m := newTestManager(newFakeCFN())
	_, err := m.Deploy(context.Background(), Input{Name: "x"})
	assert.True(t, errors.Is(err, ErrNoTemplate))

	_, err = m.Deploy(context.Background(), Input{TemplateBody: "v1"})
	assert.Error(t, err)
}

// =============================================================================
// Delete
// =============================================================================

func TestDelete(t *testing.T) {
	f := newFakeCFN()
	m := newTestManager(f)
	ctx := context.Background()

	require.NoError(t, m.Delete(ctx, "missing", true))
	assert.Equal(t, 0, f.deletes)

	_, err := m.Deploy(ctx, Input{Name: "nextflow", TemplateBody: "v1"})
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, "nextflow", true))
	assert.Equal(t, 1, f.deletes)

	_, err = m.Describe(ctx, "nextflow")
	assert.True(t, errors.Is(err, ErrStackNotFound))
}

// =============================================================================
// TemplateSource
// =============================================================================

func TestTemplateSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("Resources: {}\n"), 0644))

	body, url, err := TemplateSource(path)
	require.NoError(t, err)
	assert.Equal(t, "Resources: {}\n", body)
	assert.Empty(t, url)

	body, url, err = TemplateSource("s3://pipeline.poc/cfn/batch.yaml")
	require.NoError(t, err)
	assert.Empty(t, body)
	assert.Equal(t, "https://pipeline.poc.s3.amazonaws.com/cfn/batch.yaml", url)

	_, url, err = TemplateSource("https://example.com/t.yaml")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/t.yaml", url)

	_, _, err = TemplateSource("s3://bucket-only")
	assert.Error(t, err)

	_, _, err = TemplateSource(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
