// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/batchq"
)

var (
	queueCountJobs bool
	queueTimeout   time.Duration
	queueFailFast  bool
)

var (
	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "Inspect AWS Batch job queues",
	}

	queueCheckCmd = &cobra.Command{
		Use:   "check [queue]",
		Short: "Check a job queue and its compute environments",
		Long: `Describes the queue (default: run.queue from the config) and its
compute environments. Exits non-zero unless the queue is ENABLED and VALID
with at least one ENABLED and VALID compute environment.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runQueueCheck,
	}

	queueWaitCmd = &cobra.Command{
		Use:   "wait [queue]",
		Short: "Poll until the job queue is healthy",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runQueueWait,
	}
)

func init() {
	queueCheckCmd.Flags().BoolVar(&queueCountJobs, "count-jobs", false, "Also count RUNNABLE and RUNNING jobs")
	queueWaitCmd.Flags().DurationVar(&queueTimeout, "timeout", 0, "Give up after this long (default: queue.wait_timeout)")
	queueWaitCmd.Flags().BoolVar(&queueFailFast, "fail-fast", false, "Stop at once when the queue is DISABLED")

	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueCheckCmd)
	queueCmd.AddCommand(queueWaitCmd)
}

func queueArg(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return app.cfg.Run.Queue
}

func newChecker(cmd *cobra.Command) (*batchq.Checker, error) {
	awsCfg, err := awsConfig(cmd.Context())
	if err != nil {
		return nil, err
	}
	return batchq.NewChecker(newBatchAPI(awsCfg), app.logger), nil
}

func runQueueCheck(cmd *cobra.Command, args []string) error {
	checker, err := newChecker(cmd)
	if err != nil {
		return err
	}
	checker.CountJobs = queueCountJobs || app.cfg.Queue.CountJobs

	queue := queueArg(args)
	health, err := checker.Check(cmd.Context(), queue)
	if err != nil {
		return err
	}
	printQueueHealth(health, checker.CountJobs)

	if !health.Healthy() {
		return fmt.Errorf("%w: %s", batchq.ErrQueueUnhealthy, queue)
	}
	app.out.Success("Queue " + health.Name + " is healthy")
	return nil
}

func runQueueWait(cmd *cobra.Command, args []string) error {
	checker, err := newChecker(cmd)
	if err != nil {
		return err
	}

	opts := batchq.DefaultWaitOptions()
	opts.Timeout = app.cfg.Queue.WaitTimeout
	if queueTimeout > 0 {
		opts.Timeout = queueTimeout
	}
	opts.FailFast = queueFailFast

	health, err := checker.WaitHealthy(cmd.Context(), queueArg(args), opts)
	if health != nil {
		printQueueHealth(health, false)
	}
	if err != nil {
		return err
	}
	app.out.Success("Queue " + health.Name + " is healthy")
	return nil
}

func printQueueHealth(h *batchq.QueueHealth, counts bool) {
	app.out.Title("Queue " + h.Name)
	fields := map[string]string{
		"name":   h.Name,
		"arn":    h.ARN,
		"state":  h.State,
		"status": h.Status,
	}
	if h.StatusReason != "" {
		fields["reason"] = h.StatusReason
	}
	if counts {
		fields["runnable"] = strconv.Itoa(h.Runnable)
		fields["running"] = strconv.Itoa(h.Running)
	}
	app.out.KeyValues(fields)

	for _, ce := range h.ComputeEnvironments {
		line := fmt.Sprintf("%s (order %d, %s) %s/%s", ce.Name, ce.Order, strings.ToLower(ce.Type), ce.State, ce.Status)
		app.out.Check(ce.Healthy(), line)
	}
	for _, p := range h.Problems() {
		app.out.Warning(p)
	}
}
