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
Package batchq checks the health of an AWS Batch job queue before a
pipeline is launched onto it.

A queue can accept SubmitJob calls and still never run anything: it may be
DISABLED, INVALID after a compute-environment change, or attached only to
compute environments that are themselves disabled or invalid. Nextflow
would then sit for hours with every task RUNNABLE. Checker surfaces that
before launch:

	health, err := checker.Check(ctx, queueARN)
	if err != nil {
	    return err
	}
	if !health.Healthy() {
	    for _, p := range health.Problems() {
	        logger.Warn("queue problem", "detail", p)
	    }
	}

WaitHealthy polls with exponential backoff for queues that are still
being created or updated by CloudFormation.
*/
package batchq

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"golang.org/x/time/rate"

	"github.com/pjongeneel/nextflow-docker/pkg/logging"
)

// Sentinel errors.
var (
	// ErrQueueNotFound is returned when DescribeJobQueues knows no such queue.
	ErrQueueNotFound = errors.New("job queue not found")

	// ErrQueueUnhealthy is returned by WaitHealthy when the queue did not
	// become healthy in time, or is disabled and FailFast is set.
	ErrQueueUnhealthy = errors.New("job queue unhealthy")
)

// API is the subset of *batch.Client used by Checker.
type API interface {
	DescribeJobQueues(ctx context.Context, params *batch.DescribeJobQueuesInput, optFns ...func(*batch.Options)) (*batch.DescribeJobQueuesOutput, error)
	DescribeComputeEnvironments(ctx context.Context, params *batch.DescribeComputeEnvironmentsInput, optFns ...func(*batch.Options)) (*batch.DescribeComputeEnvironmentsOutput, error)
	batch.ListJobsAPIClient
}

// =============================================================================
// Health types
// =============================================================================

// ComputeEnvironment is the health-relevant view of a compute environment.
type ComputeEnvironment struct {
	Name         string
	ARN          string
	Order        int32
	State        string
	Status       string
	StatusReason string
	Type         string
}

// Healthy reports whether the environment is ENABLED and VALID.
func (c ComputeEnvironment) Healthy() bool {
	return c.State == string(types.CEStateEnabled) && c.Status == string(types.CEStatusValid)
}

// QueueHealth is a point-in-time view of a job queue.
type QueueHealth struct {
	Name                string
	ARN                 string
	State               string
	Status              string
	StatusReason        string
	ComputeEnvironments []ComputeEnvironment

	// Runnable and Running are job counts, only filled when
	// Checker.CountJobs is set.
	Runnable int
	Running  int

	CheckedAt time.Time
}

// Healthy reports whether the queue is ENABLED and VALID with at least one
// ENABLED and VALID compute environment.
func (q *QueueHealth) Healthy() bool {
	if q == nil {
		return false
	}
	if q.State != string(types.JQStateEnabled) || q.Status != string(types.JQStatusValid) {
		return false
	}
	for _, ce := range q.ComputeEnvironments {
		if ce.Healthy() {
			return true
		}
	}
	return false
}

// Problems lists human-readable reasons the queue is not healthy. Empty
// when Healthy.
func (q *QueueHealth) Problems() []string {
	if q == nil {
		return []string{"queue not described"}
	}
	var problems []string
	if q.State != string(types.JQStateEnabled) {
		problems = append(problems, fmt.Sprintf("queue %s is %s", q.Name, q.State))
	}
	if q.Status != string(types.JQStatusValid) {
		msg := fmt.Sprintf("queue %s status is %s", q.Name, q.Status)
		if q.StatusReason != "" {
			msg += ": " + q.StatusReason
		}
		problems = append(problems, msg)
	}
	if len(q.ComputeEnvironments) == 0 {
		problems = append(problems, fmt.Sprintf("queue %s has no compute environments", q.Name))
	}
	healthyCE := false
	for _, ce := range q.ComputeEnvironments {
		if ce.Healthy() {
			healthyCE = true
			continue
		}
		msg := fmt.Sprintf("compute environment %s is %s/%s", ce.Name, ce.State, ce.Status)
		if ce.StatusReason != "" {
			msg += ": " + ce.StatusReason
		}
		problems = append(problems, msg)
	}
	if len(q.ComputeEnvironments) > 0 && !healthyCE {
		problems = append(problems, fmt.Sprintf("queue %s has no healthy compute environment", q.Name))
	}
	return problems
}

// =============================================================================
// Checker
// =============================================================================

// Checker reads queue health from the Batch API.
type Checker struct {
	api    API
	logger *logging.Logger

	// CountJobs adds RUNNABLE and RUNNING counts via ListJobs.
	CountJobs bool
}

// NewChecker creates a Checker.
func NewChecker(api API, logger *logging.Logger) *Checker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Checker{api: api, logger: logger}
}

// Check describes queue (name or ARN) and its compute environments.
//
// # Outputs
//
//   - *QueueHealth: Current state, regardless of healthy or not
//   - error: ErrQueueNotFound, or a wrapped API error
func (c *Checker) Check(ctx context.Context, queue string) (*QueueHealth, error) {
	out, err := c.api.DescribeJobQueues(ctx, &batch.DescribeJobQueuesInput{
		JobQueues: []string{queue},
	})
	if err != nil {
		return nil, fmt.Errorf("describe job queue %s: %w", queue, err)
	}
	if len(out.JobQueues) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, queue)
	}

	jq := out.JobQueues[0]
	health := &QueueHealth{
		Name:         aws.ToString(jq.JobQueueName),
		ARN:          aws.ToString(jq.JobQueueArn),
		State:        string(jq.State),
		Status:       string(jq.Status),
		StatusReason: aws.ToString(jq.StatusReason),
		CheckedAt:    time.Now(),
	}

	if len(jq.ComputeEnvironmentOrder) > 0 {
		order := make(map[string]int32, len(jq.ComputeEnvironmentOrder))
		names := make([]string, 0, len(jq.ComputeEnvironmentOrder))
		for _, ceo := range jq.ComputeEnvironmentOrder {
			ce := aws.ToString(ceo.ComputeEnvironment)
			order[ce] = aws.ToInt32(ceo.Order)
			names = append(names, ce)
		}

		ceOut, err := c.api.DescribeComputeEnvironments(ctx, &batch.DescribeComputeEnvironmentsInput{
			ComputeEnvironments: names,
		})
		if err != nil {
			return nil, fmt.Errorf("describe compute environments for %s: %w", queue, err)
		}
		for _, ce := range ceOut.ComputeEnvironments {
			arn := aws.ToString(ce.ComputeEnvironmentArn)
			name := aws.ToString(ce.ComputeEnvironmentName)
			ord, ok := order[arn]
			if !ok {
				ord = order[name]
			}
			health.ComputeEnvironments = append(health.ComputeEnvironments, ComputeEnvironment{
				Name:         name,
				ARN:          arn,
				Order:        ord,
				State:        string(ce.State),
				Status:       string(ce.Status),
				StatusReason: aws.ToString(ce.StatusReason),
				Type:         string(ce.Type),
			})
		}
	}

	if c.CountJobs {
		if health.Runnable, err = c.countJobs(ctx, queue, types.JobStatusRunnable); err != nil {
			return nil, err
		}
		if health.Running, err = c.countJobs(ctx, queue, types.JobStatusRunning); err != nil {
			return nil, err
		}
	}

	c.logger.Debug("queue checked",
		"queue", health.Name,
		"state", health.State,
		"status", health.Status,
		"compute_environments", len(health.ComputeEnvironments),
		"healthy", health.Healthy())
	return health, nil
}

func (c *Checker) countJobs(ctx context.Context, queue string, status types.JobStatus) (int, error) {
	paginator := batch.NewListJobsPaginator(c.api, &batch.ListJobsInput{
		JobQueue:  aws.String(queue),
		JobStatus: status,
	})
	total := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("list %s jobs on %s: %w", status, queue, err)
		}
		total += len(page.JobSummaryList)
	}
	return total, nil
}

// =============================================================================
// Waiting
// =============================================================================

// WaitOptions configures WaitHealthy polling.
type WaitOptions struct {
	// Timeout bounds the whole wait. Default: 10m.
	Timeout time.Duration

	// InitialInterval is the first backoff interval. Default: 5s.
	InitialInterval time.Duration

	// MaxInterval caps the backoff. Default: 60s.
	MaxInterval time.Duration

	// Multiplier grows the interval each poll. Default: 2.
	Multiplier float64

	// Jitter randomises each interval by +/- this fraction. Default: 0.1.
	Jitter float64

	// MinPollInterval is enforced by a rate limiter across polls so the
	// describe calls stay under Batch API throttling. Default: 1s.
	MinPollInterval time.Duration

	// FailFast returns immediately when the queue exists but is DISABLED.
	FailFast bool
}

// DefaultWaitOptions returns the defaults documented on WaitOptions.
func DefaultWaitOptions() WaitOptions {
	return WaitOptions{
		Timeout:         10 * time.Minute,
		InitialInterval: 5 * time.Second,
		MaxInterval:     60 * time.Second,
		Multiplier:      2,
		Jitter:          0.1,
		MinPollInterval: time.Second,
	}
}

func (o WaitOptions) withDefaults() WaitOptions {
	d := DefaultWaitOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = d.InitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = d.MaxInterval
	}
	if o.Multiplier < 1 {
		o.Multiplier = d.Multiplier
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	}
	if o.MinPollInterval <= 0 {
		o.MinPollInterval = d.MinPollInterval
	}
	return o
}

// WaitHealthy polls Check until the queue is healthy.
//
// # Description
//
// Missing queues and API errors are retried: a queue that CloudFormation
// is still creating is not found at first. Between polls the interval
// grows by Multiplier up to MaxInterval, with Jitter applied.
//
// # Outputs
//
//   - *QueueHealth: The healthy state, or the last state seen (may be nil)
//   - error: nil when healthy; ErrQueueUnhealthy (wrapped, with the last
//     problems) on timeout or FailFast; ctx.Err() if ctx was cancelled
func (c *Checker) WaitHealthy(ctx context.Context, queue string, opts WaitOptions) (*QueueHealth, error) {
	opts = opts.withDefaults()

	timeoutCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(opts.MinPollInterval), 1)
	interval := opts.InitialInterval

	var last *QueueHealth
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(timeoutCtx); err != nil {
			return last, c.waitFailure(ctx, queue, last, lastErr)
		}

		health, err := c.Check(timeoutCtx, queue)
		switch {
		case err != nil:
			lastErr = err
			c.logger.Debug("queue check failed, retrying", "queue", queue, "attempt", attempt, "error", err)
		case health.Healthy():
			return health, nil
		default:
			last, lastErr = health, nil
			c.logger.Info("waiting for queue", "queue", queue, "attempt", attempt, "problems", health.Problems())
			if opts.FailFast && health.State == string(types.JQStateDisabled) {
				return last, fmt.Errorf("%w: %s is DISABLED", ErrQueueUnhealthy, queue)
			}
		}

		if !sleepWithContext(timeoutCtx, applyJitter(interval, opts.Jitter)) {
			return last, c.waitFailure(ctx, queue, last, lastErr)
		}
		interval = nextInterval(interval, opts.MaxInterval, opts.Multiplier)
	}
}

func (c *Checker) waitFailure(parent context.Context, queue string, last *QueueHealth, lastErr error) error {
	if err := parent.Err(); err != nil {
		return err
	}
	switch {
	case lastErr != nil:
		return fmt.Errorf("%w: %s: %v", ErrQueueUnhealthy, queue, lastErr)
	case last != nil:
		return fmt.Errorf("%w: %s: %v", ErrQueueUnhealthy, queue, last.Problems())
	default:
		return fmt.Errorf("%w: %s: timed out", ErrQueueUnhealthy, queue)
	}
}

// applyJitter multiplies interval by a factor in [1-jitter, 1+jitter].
func applyJitter(interval time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return interval
	}
	factor := 1.0 + (rand.Float64()*2-1)*jitter
	return time.Duration(float64(interval) * factor)
}

// nextInterval multiplies current by multiplier, capped at max.
func nextInterval(current, max time.Duration, multiplier float64) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		return max
	}
	return next
}

// sleepWithContext sleeps for d. It returns false if ctx ended first.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
