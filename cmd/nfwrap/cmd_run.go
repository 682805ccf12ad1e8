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
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/config"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/batchq"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/diagnostics"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/launcher"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/nfconfig"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/pipeline"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/project"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	runQueue           string
	runErrorStrategy   string
	runMaxErrors       int
	runProject         string
	runRevision        string
	runPublishDir      string
	runNoCache         bool
	runNextflowVersion string
	runConfigs         []string
	runExplicitConfigs bool
	runOverlays        []string
	runCheckQueue      bool
	runWaitQueue       bool
	runCloneDir        string
	runCloneDepth      int
	runCloneTokenEnv   string
	runResults         string
	runWeblogURL       string
	runMetricsFile     string
	runTraceExporter   string
	runWorkDir         string
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// runCmd is the container entrypoint on AWS Batch.
//
// # Examples
//
//	nfwrap run
//	nfwrap run --project https://github.com/org/pipeline.git --revision v1.2 -- --input s3://bucket/samples.csv
//	nfwrap run --configs s3://pipeline.poc/nextflow/sample.config --configs ./local.config --check-queue
var runCmd = &cobra.Command{
	Use:   "run [-- pipeline args...]",
	Short: "Render the config, fetch remote configs and launch Nextflow",
	Long: `Runs one Nextflow pipeline on AWS Batch.

Flags left unset fall back to the config file. Arguments after "--" are
passed to Nextflow after the generated flags, typically pipeline --params.
nfwrap exits with Nextflow's exit status.`,
	Args: cobra.ArbitraryArgs,
	RunE: runRunCommand,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runQueue, "queue", config.DefaultQueue, "AWS Batch job queue name or ARN")
	f.StringVar(&runErrorStrategy, "error-strategy", config.DefaultErrorStrategy,
		"Process error strategy: "+strings.Join(config.ErrorStrategies, ", "))
	f.IntVar(&runMaxErrors, "max-errors", config.DefaultMaxErrors, "Maximum process errors before the run fails")
	f.StringVar(&runProject, "project", config.DefaultProject, "Pipeline project: git URL or local path")
	f.StringVar(&runRevision, "revision", config.DefaultRevision, "Project branch, tag or commit")
	f.StringVar(&runPublishDir, "publish-dir", config.DefaultPublishDir, "Process publishDir path")
	f.BoolVar(&runNoCache, "no-cache", false, "Do not pass -resume")
	f.StringVar(&runNextflowVersion, "nextflow-version", config.DefaultNextflowVersion, "Nextflow version (NXF_VER), or latest")
	f.StringSliceVar(&runConfigs, "configs", nil, "Nextflow configs, s3://, gs:// or local (repeatable)")
	f.BoolVar(&runExplicitConfigs, "explicit-configs", false, "Pass configs with -C, ignoring other config files")
	f.StringSliceVar(&runOverlays, "overlay", nil, "YAML, JSON or HCL file merged into the generated config (repeatable)")
	f.BoolVar(&runCheckQueue, "check-queue", false, "Fail unless the job queue is healthy")
	f.BoolVar(&runWaitQueue, "wait-queue", false, "Wait for the job queue to become healthy")
	f.StringVar(&runCloneDir, "clone", "", "Clone the project into this directory and launch the checkout")
	f.IntVar(&runCloneDepth, "clone-depth", 1, "Shallow clone depth, 0 for full history")
	f.StringVar(&runCloneTokenEnv, "clone-token-env", "GITHUB_TOKEN", "Environment variable holding the git token")
	f.StringVar(&runResults, "results", "", "s3:// or gs:// prefix receiving run artifacts")
	f.StringVar(&runWeblogURL, "weblog-url", "", "URL passed to -with-weblog")
	f.StringVar(&runMetricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile")
	f.StringVar(&runTraceExporter, "trace-exporter", "", "Span exporter: none, stdout or otlp")
	f.StringVar(&runWorkDir, "work-dir", "", "Launch directory (default: current directory)")

	rootCmd.AddCommand(runCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runSettings is the merge of run flags over the config file.
type runSettings struct {
	Queue           string
	ErrorStrategy   string
	MaxErrors       int
	Project         string
	Revision        string
	PublishDir      string
	NoCache         bool
	NextflowVersion string
	Configs         []string
	ExplicitConfigs bool
	Overlays        []string
	CheckQueue      bool
	WaitQueue       bool
	Results         string
	WeblogURL       string
	MetricsFile     string
	TraceExporter   string
	WorkDir         string
	ExtraArgs       []string
}

// resolveRunSettings takes each flag the user set and the config value
// for the rest.
func resolveRunSettings(cmd *cobra.Command, cfg *config.NfwrapConfig, args []string) (runSettings, error) {
	changed := cmd.Flags().Changed
	pick := func(name, flagValue, cfgValue string) string {
		if changed(name) {
			return flagValue
		}
		return cfgValue
	}
	pickBool := func(name string, flagValue, cfgValue bool) bool {
		if changed(name) {
			return flagValue
		}
		return cfgValue
	}

	s := runSettings{
		Queue:           pick("queue", runQueue, cfg.Run.Queue),
		ErrorStrategy:   pick("error-strategy", runErrorStrategy, cfg.Run.ErrorStrategy),
		MaxErrors:       cfg.Run.MaxErrors,
		Project:         pick("project", runProject, cfg.Run.Project),
		Revision:        pick("revision", runRevision, cfg.Run.Revision),
		PublishDir:      pick("publish-dir", runPublishDir, cfg.Run.PublishDir),
		NoCache:         pickBool("no-cache", runNoCache, cfg.Run.NoCache),
		NextflowVersion: pick("nextflow-version", runNextflowVersion, cfg.Run.NextflowVersion),
		Configs:         cfg.Run.Configs,
		ExplicitConfigs: pickBool("explicit-configs", runExplicitConfigs, cfg.Run.ExplicitConfigs),
		Overlays:        cfg.Run.Overlays,
		CheckQueue:      pickBool("check-queue", runCheckQueue, cfg.Queue.Check),
		WaitQueue:       pickBool("wait-queue", runWaitQueue, cfg.Queue.Wait),
		Results:         pick("results", runResults, cfg.Storage.ResultsURI),
		WeblogURL:       pick("weblog-url", runWeblogURL, cfg.Weblog.URL),
		MetricsFile:     pick("metrics-file", runMetricsFile, cfg.Diagnostics.MetricsFile),
		TraceExporter:   pick("trace-exporter", runTraceExporter, cfg.Diagnostics.TraceExporter),
		WorkDir:         pick("work-dir", runWorkDir, cfg.Run.WorkDir),
		ExtraArgs:       args,
	}
	if changed("max-errors") {
		s.MaxErrors = runMaxErrors
	}
	if changed("configs") {
		s.Configs = runConfigs
	}
	if changed("overlay") {
		s.Overlays = runOverlays
	}

	if !slices.Contains(config.ErrorStrategies, s.ErrorStrategy) {
		return s, fmt.Errorf("invalid --error-strategy %q: choose one of %s", s.ErrorStrategy, strings.Join(config.ErrorStrategies, ", "))
	}
	if s.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return s, err
		}
		s.WorkDir = wd
	}
	return s, nil
}

// defaultOptions maps settings onto the generated config's inputs.
func defaultOptions(s runSettings, region string) nfconfig.DefaultOptions {
	return nfconfig.DefaultOptions{
		Queue:         s.Queue,
		ErrorStrategy: s.ErrorStrategy,
		MaxErrors:     s.MaxErrors,
		PublishDir:    s.PublishDir,
		Region:        region,
	}
}

func runRunCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := app.cfg
	logger := app.logger

	s, err := resolveRunSettings(cmd, cfg, args)
	if err != nil {
		return err
	}

	awsCfg, err := awsConfig(ctx)
	if err != nil {
		return err
	}
	router, cleanup, err := storageRouter(ctx, awsCfg)
	if err != nil {
		return err
	}
	defer cleanup()

	tracer, err := diagnostics.NewTracer(ctx, diagnostics.TracerConfig{
		Exporter:    s.TraceExporter,
		ServiceName: "nfwrap",
		Endpoint:    cfg.Diagnostics.OTLPEndpoint,
		Insecure:    cfg.Diagnostics.OTLPInsecure,
		Writer:      cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to flush spans", "error", err)
		}
	}()
	metrics := diagnostics.NewMetrics()

	proc := newProcessManager()
	nf := launcher.New(proc, logger)
	nf.Stdout = cmd.OutOrStdout()
	nf.Stderr = cmd.ErrOrStderr()

	deps := pipeline.Dependencies{
		Router:           router,
		Cloner:           project.NewCloner(proc, logger),
		Launcher:         nf,
		Metrics:          metrics,
		Tracer:           tracer,
		Logger:           logger,
		FetchConcurrency: cfg.Storage.FetchConcurrency,
	}
	if s.CheckQueue || s.WaitQueue {
		checker := batchq.NewChecker(newBatchAPI(awsCfg), logger)
		checker.CountJobs = cfg.Queue.CountJobs
		deps.Queue = checker
	}

	waitOpts := batchq.DefaultWaitOptions()
	waitOpts.Timeout = cfg.Queue.WaitTimeout

	req := pipeline.Request{
		WorkDir:     s.WorkDir,
		Defaults:    defaultOptions(s, cfg.AWS.Region),
		Overlays:    s.Overlays,
		LaunchBase:  cfg.Run.LaunchBase,
		Queue:       s.Queue,
		CheckQueue:  s.CheckQueue,
		WaitQueue:   s.WaitQueue,
		WaitOptions: waitOpts,
		CloneDir:    runCloneDir,
		CloneDepth:  runCloneDepth,
		ResultsURI:  s.Results,
		Launch: launcher.Options{
			Executable:      cfg.Run.Executable,
			Version:         s.NextflowVersion,
			Configs:         s.Configs,
			ExplicitConfigs: s.ExplicitConfigs,
			Project:         s.Project,
			Revision:        s.Revision,
			NoCache:         s.NoCache,
			WeblogURL:       s.WeblogURL,
			ExtraArgs:       s.ExtraArgs,
		},
	}
	if runCloneDir != "" && runCloneTokenEnv != "" {
		req.CloneToken = os.Getenv(runCloneTokenEnv)
	}

	res, runErr := pipeline.NewRunner(deps).Run(ctx, req)

	if s.MetricsFile != "" {
		if err := metrics.WriteTextfile(s.MetricsFile); err != nil {
			logger.Warn("Failed to write metrics file", "path", s.MetricsFile, "error", err)
		}
	}

	summary := map[string]string{
		"run_id":    res.RunID,
		"project":   res.Project,
		"exit_code": strconv.Itoa(res.ExitCode),
		"duration":  res.Duration.Round(time.Millisecond).String(),
	}
	if res.Commit != "" {
		summary["commit"] = res.Commit
	}
	if res.TraceID != "" {
		summary["trace_id"] = res.TraceID
	}
	if len(res.Uploaded) > 0 {
		summary["artifacts"] = strconv.Itoa(len(res.Uploaded))
	}
	app.out.KeyValues(summary)

	if runErr == nil {
		app.out.Success("Pipeline finished")
	}
	return runErr
}
