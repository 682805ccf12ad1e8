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
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/cobra"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/config"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/gcs"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/awsauth"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/batchq"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/infra/network"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/infra/process"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/infra/registry"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/infra/stack"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/storage"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/storage/s3store"
	"github.com/pjongeneel/nextflow-docker/pkg/logging"
	"github.com/pjongeneel/nextflow-docker/pkg/ux"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// --- Global Command Variables ---
var (
	configPath  string
	logLevel    string
	logJSON     bool
	logDir      string
	outputLevel string
	awsProfile  string
	awsRoleARN  string
	awsRegion   string

	rootCmd = &cobra.Command{
		Use:   "nfwrap",
		Short: "Launch Nextflow pipelines on AWS Batch",
		Long: `nfwrap renders the Nextflow config for AWS Batch, fetches remote
configs from S3 or GCS, optionally checks the job queue, and runs
Nextflow, exiting with its status. It also manages the supporting AWS
resources: Batch queues, CloudFormation stacks, ECR repositories.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
		PersistentPostRun: teardown,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the nfwrap version",
		// Overrides setup: no config is needed to print the version.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nfwrap %s (%s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default $"+config.EnvConfigPath+" or ~/.nfwrap/nfwrap.yaml)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	pf.BoolVar(&logJSON, "log-json", false, "Log JSON to stderr")
	pf.StringVar(&logDir, "log-dir", "", "Also write JSON logs to this directory")
	pf.StringVar(&outputLevel, "output", "", "Output style: rich, minimal or machine (default: detect)")
	pf.StringVar(&awsProfile, "profile", "", "AWS shared config profile")
	pf.StringVar(&awsRoleARN, "role-arn", "", "IAM role to assume on top of the base credentials")
	pf.StringVar(&awsRegion, "region", "", "AWS region (overrides config)")

	rootCmd.AddCommand(versionCmd)
}

// =============================================================================
// Shared state
// =============================================================================

// appState is filled by setup before any subcommand runs.
type appState struct {
	cfg    *config.NfwrapConfig
	logger *logging.Logger
	out    *ux.Printer
}

var app appState

// Client constructors, replaced in tests.
var (
	loadAWSConfig = awsauth.Load

	newBatchAPI    = func(cfg aws.Config) batchq.API { return batch.NewFromConfig(cfg) }
	newEC2API      = func(cfg aws.Config) network.API { return ec2.NewFromConfig(cfg) }
	newStackAPI    = func(cfg aws.Config) stack.API { return cloudformation.NewFromConfig(cfg) }
	newRegistryAPI = func(cfg aws.Config) registry.API { return ecr.NewFromConfig(cfg) }
	newSTSAPI      = func(cfg aws.Config) awsauth.STSAPI { return sts.NewFromConfig(cfg) }

	newS3Store = func(cfg aws.Config, logger *logging.Logger) storage.ObjectStore {
		return s3store.New(s3.NewFromConfig(cfg), logger)
	}
	newGCSStore = func(ctx context.Context, project, credentials string, logger *logging.Logger) (storage.ObjectStore, func() error, error) {
		client, err := gcs.NewClient(ctx, project, credentials, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	}

	newProcessManager = func() process.Manager { return process.NewDefaultManager() }
)

// setup loads the config, applies global flag overrides and builds the
// logger and printer.
func setup(cmd *cobra.Command, args []string) error {
	path, err := config.ResolvePath(configPath, os.Getenv)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	if awsProfile != "" {
		cfg.AWS.Profile = awsProfile
	}
	if awsRoleARN != "" {
		cfg.AWS.RoleARN = awsRoleARN
	}
	if awsRegion != "" {
		cfg.AWS.Region = awsRegion
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logJSON {
		cfg.Logging.JSON = true
	}
	if logDir != "" {
		cfg.Logging.Dir = logDir
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "nfwrap",
		JSON:    cfg.Logging.JSON,
		Output:  cmd.ErrOrStderr(),
	})
	logging.SetDefault(logger)

	uxLevel := ux.DetectLevel(os.Stdout, os.Getenv)
	if outputLevel != "" {
		uxLevel = ux.ParseLevel(outputLevel)
	}
	printer := &ux.Printer{Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr(), Level: uxLevel}
	ux.SetDefault(printer)

	app = appState{cfg: cfg, logger: logger, out: printer}
	logger.Debug("Loaded config", "path", path, "command", cmd.CommandPath())
	return nil
}

func teardown(cmd *cobra.Command, args []string) {
	if app.logger != nil {
		_ = app.logger.Close()
	}
}

// awsConfig resolves credentials for the configured profile, region and role.
func awsConfig(ctx context.Context) (aws.Config, error) {
	return loadAWSConfig(ctx, awsauth.Options{
		Profile:     app.cfg.AWS.Profile,
		Region:      app.cfg.AWS.Region,
		RoleARN:     app.cfg.AWS.RoleARN,
		SessionName: app.cfg.AWS.SessionName,
	})
}

// storageRouter registers S3, and GCS when a project is configured. The
// returned func releases the GCS client.
func storageRouter(ctx context.Context, awsCfg aws.Config) (*storage.Router, func(), error) {
	router := storage.NewRouter()
	router.Register(storage.SchemeS3, newS3Store(awsCfg, app.logger))

	cleanup := func() {}
	if app.cfg.Storage.GCSProject != "" {
		store, closeFn, err := newGCSStore(ctx, app.cfg.Storage.GCSProject, app.cfg.Storage.GCSCredentials, app.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create GCS client: %w", err)
		}
		router.Register(storage.SchemeGCS, store)
		cleanup = func() {
			if err := closeFn(); err != nil {
				app.logger.Warn("Failed to close GCS client", "error", err)
			}
		}
	}
	return router, cleanup, nil
}
