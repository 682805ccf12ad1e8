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
Package pipeline runs one Nextflow launch end to end.

# Stages

 1. lock: flock on the work directory
 2. queue: optional Batch queue check or wait
 3. render: default config plus overlays to <workdir>/nextflow.config
 4. fetch: remote configs downloaded into the launch root
 5. clone: optional project checkout
 6. launch: Nextflow itself
 7. upload: optional run artifacts to the results prefix

Every stage is timed into diagnostics and wrapped in a span. A run ID
tags the logs, spans and uploaded artifact keys.
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/batchq"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/diagnostics"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/infra/process"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/launcher"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/nfconfig"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/project"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/storage"
	"github.com/pjongeneel/nextflow-docker/pkg/logging"
)

// =============================================================================
// Constants and errors
// =============================================================================

// ConfigFileName is the file Nextflow picks up from its launch directory.
const ConfigFileName = "nextflow.config"

// Stage names used for metrics and spans.
const (
	StageLock   = "lock"
	StageQueue  = "queue"
	StageRender = "render"
	StageFetch  = "fetch"
	StageClone  = "clone"
	StageLaunch = "launch"
	StageUpload = "upload"
)

// ArtifactPatterns are the run artifacts uploaded to the results prefix,
// matched in the work directory.
var ArtifactPatterns = []string{
	"trace*.txt",
	"report*.html",
	"timeline*.html",
	"dag*",
	".nextflow.log",
}

var (
	// ErrNoWorkDir is returned when Request.WorkDir is empty.
	ErrNoWorkDir = errors.New("no work directory given")

	// ErrNoQueueChecker is returned when a queue stage is requested
	// without a QueueChecker.
	ErrNoQueueChecker = errors.New("queue validation requested but no Batch client configured")
)

// =============================================================================
// Dependencies
// =============================================================================

// QueueChecker is the subset of *batchq.Checker the runner uses.
type QueueChecker interface {
	Check(ctx context.Context, queue string) (*batchq.QueueHealth, error)
	WaitHealthy(ctx context.Context, queue string, opts batchq.WaitOptions) (*batchq.QueueHealth, error)
}

// Cloner is the subset of *project.Cloner the runner uses.
type Cloner interface {
	Clone(ctx context.Context, opts project.CloneOptions) (string, error)
}

// Launcher is the subset of *launcher.Launcher the runner uses.
type Launcher interface {
	Run(ctx context.Context, opts launcher.Options) error
}

// Dependencies wires a Runner. Router and Launcher are required.
type Dependencies struct {
	Router   *storage.Router
	Queue    QueueChecker
	Cloner   Cloner
	Launcher Launcher
	Metrics  diagnostics.Recorder
	Tracer   *diagnostics.Tracer
	Logger   *logging.Logger

	// Getenv resolves AWS_BATCH_JOB_ID and AWS_BATCH_JOB_ATTEMPT. Default: os.Getenv.
	Getenv func(string) string

	// NewRunID generates run IDs. Default: uuid.NewString.
	NewRunID func() string

	FetchConcurrency int
}

// =============================================================================
// Request / Result
// =============================================================================

// Request describes one launch.
type Request struct {
	// WorkDir is the Nextflow launch directory. It holds nextflow.config,
	// the lock and the run artifacts.
	WorkDir string

	Defaults nfconfig.DefaultOptions

	// Overlays are local YAML, JSON or HCL files merged over Defaults in order.
	Overlays []string

	// LaunchBase is the parent of the launch root remote configs are
	// fetched into. Default: storage.DefaultLaunchBase.
	LaunchBase string

	// Launch carries the Nextflow options. Configs may mix object storage
	// URIs and local paths.
	Launch launcher.Options

	// Queue is checked when CheckQueue or WaitQueue is set.
	Queue       string
	CheckQueue  bool
	WaitQueue   bool
	WaitOptions batchq.WaitOptions

	// CloneDir, when set, clones Launch.Project there and launches the
	// checkout instead.
	CloneDir   string
	CloneToken string
	CloneDepth int

	// ResultsURI is an object storage prefix; artifacts go to
	// <ResultsURI>/<run id>/<file>.
	ResultsURI string
}

// Result reports what a run did.
type Result struct {
	RunID      string
	TraceID    string
	ConfigPath string
	Configs    []string
	Project    string
	Commit     string
	QueueState *batchq.QueueHealth
	Uploaded   []string
	ExitCode   int
	Duration   time.Duration
}

// =============================================================================
// Runner
// =============================================================================

// Runner executes Requests.
type Runner struct {
	deps Dependencies
}

// NewRunner creates a Runner, filling optional dependencies with defaults.
func NewRunner(deps Dependencies) *Runner {
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = diagnostics.NewNoOpMetrics()
	}
	if deps.Getenv == nil {
		deps.Getenv = os.Getenv
	}
	if deps.NewRunID == nil {
		deps.NewRunID = uuid.NewString
	}
	if deps.Router == nil {
		deps.Router = storage.NewRouter()
	}
	return &Runner{deps: deps}
}

// Run executes req.
//
// # Description
//
// Stages run in order and the first failure stops the run. The one
// exception is upload: artifacts are uploaded even when Nextflow failed,
// since the trace and log are most useful then, and the launch error
// takes precedence over an upload error.
//
// # Outputs
//
//   - *Result: Always non-nil, filled as far as the run got
//   - error: The failing stage's error; a Nextflow failure is a
//     *process.CommandError carrying its exit code
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	runID := r.deps.NewRunID()
	res := &Result{RunID: runID}

	logger := r.deps.Logger.With("run_id", runID)
	ctx = logging.WithContext(ctx, logger)

	tracer := r.deps.Tracer
	if tracer == nil {
		tracer, _ = diagnostics.NewTracer(ctx, diagnostics.TracerConfig{Exporter: diagnostics.ExporterNone})
	}
	ctx, finishRun := tracer.StartSpan(ctx, "nfwrap.run", map[string]string{"run_id": runID})
	res.TraceID = tracer.TraceID(ctx)

	err := r.run(ctx, req, res, tracer, logger)
	res.Duration = time.Since(start)
	finishRun(err)

	if err != nil {
		logger.Error("Run failed", "error", err, "duration", res.Duration)
	} else {
		logger.Info("Run finished", "duration", res.Duration)
	}
	return res, err
}

func (r *Runner) run(ctx context.Context, req Request, res *Result, tracer *diagnostics.Tracer, logger *logging.Logger) error {
	stage := func(name string, fn func(ctx context.Context) error) error {
		sctx, finish := tracer.StartSpan(ctx, "stage."+name, map[string]string{"run_id": res.RunID})
		began := time.Now()
		err := fn(sctx)
		elapsed := time.Since(began)
		r.deps.Metrics.ObserveStage(name, elapsed, err)
		finish(err)
		logger.Debug("Stage done", "stage", name, "duration", elapsed, "ok", err == nil)
		return err
	}

	if req.WorkDir == "" {
		return ErrNoWorkDir
	}
	if r.deps.Launcher == nil {
		return errors.New("pipeline has no launcher")
	}

	var lock *process.Lock
	if err := stage(StageLock, func(context.Context) error {
		if err := os.MkdirAll(req.WorkDir, 0755); err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
		lock = process.NewLock(process.LockConfig{LockDir: req.WorkDir, LockName: ".nfwrap", Owner: res.RunID})
		return lock.Acquire()
	}); err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("Failed to release launch lock", "error", err)
		}
	}()

	if req.CheckQueue || req.WaitQueue {
		if err := stage(StageQueue, func(ctx context.Context) error {
			health, err := r.checkQueue(ctx, req)
			res.QueueState = health
			return err
		}); err != nil {
			return err
		}
	}

	if err := stage(StageRender, func(context.Context) error {
		path, err := renderConfig(req)
		res.ConfigPath = path
		return err
	}); err != nil {
		return err
	}
	logger.Info("Rendered config", "path", res.ConfigPath)

	if err := stage(StageFetch, func(ctx context.Context) error {
		configs, err := r.fetchConfigs(ctx, req)
		res.Configs = configs
		return err
	}); err != nil {
		return err
	}

	launch := req.Launch
	launch.Configs = res.Configs
	launch.WorkDir = req.WorkDir
	res.Project = launch.Project

	if req.CloneDir != "" {
		if err := stage(StageClone, func(ctx context.Context) error {
			if r.deps.Cloner == nil {
				return errors.New("clone requested but no cloner configured")
			}
			commit, err := r.deps.Cloner.Clone(ctx, project.CloneOptions{
				URL:      launch.Project,
				Revision: launch.Revision,
				Dest:     req.CloneDir,
				Token:    req.CloneToken,
				Depth:    req.CloneDepth,
			})
			res.Commit = commit
			return err
		}); err != nil {
			return err
		}
		launch.Project = req.CloneDir
		launch.LocalProject = true
		res.Project = req.CloneDir
	}

	launchErr := stage(StageLaunch, func(ctx context.Context) error {
		return r.deps.Launcher.Run(ctx, launch)
	})
	res.ExitCode = process.ExitCode(launchErr)
	r.deps.Metrics.RecordExitCode(res.ExitCode)

	if req.ResultsURI != "" {
		uploadErr := stage(StageUpload, func(ctx context.Context) error {
			uploaded, err := r.uploadArtifacts(ctx, req.WorkDir, req.ResultsURI, res.RunID)
			res.Uploaded = uploaded
			return err
		})
		if uploadErr != nil {
			if launchErr != nil {
				logger.Warn("Artifact upload failed after launch failure", "error", uploadErr)
			} else {
				return uploadErr
			}
		}
	}
	return launchErr
}

// =============================================================================
// Stages
// =============================================================================

func (r *Runner) checkQueue(ctx context.Context, req Request) (*batchq.QueueHealth, error) {
	if r.deps.Queue == nil {
		return nil, ErrNoQueueChecker
	}
	queue := req.Queue
	if queue == "" {
		queue = req.Defaults.Queue
	}

	if req.WaitQueue {
		health, err := r.deps.Queue.WaitHealthy(ctx, queue, req.WaitOptions)
		r.deps.Metrics.RecordQueueHealth(queue, err == nil && health.Healthy())
		return health, err
	}

	health, err := r.deps.Queue.Check(ctx, queue)
	if err != nil {
		r.deps.Metrics.RecordQueueHealth(queue, false)
		return nil, err
	}
	r.deps.Metrics.RecordQueueHealth(queue, health.Healthy())
	if !health.Healthy() {
		return health, fmt.Errorf("%w: %s: %s", batchq.ErrQueueUnhealthy, queue, strings.Join(health.Problems(), "; "))
	}
	return health, nil
}

func renderConfig(req Request) (string, error) {
	cfg := nfconfig.Default(req.Defaults)
	for _, path := range req.Overlays {
		overlay, err := nfconfig.LoadOverlay(path)
		if err != nil {
			return "", err
		}
		cfg = nfconfig.Merge(cfg, overlay)
	}
	path := filepath.Join(req.WorkDir, ConfigFileName)
	if err := nfconfig.WriteFile(path, cfg); err != nil {
		return "", err
	}
	return path, nil
}

// fetchConfigs downloads the remote entries of req.Launch.Configs and
// returns the list with each URI replaced by its local path.
func (r *Runner) fetchConfigs(ctx context.Context, req Request) ([]string, error) {
	configs := append([]string(nil), req.Launch.Configs...)

	var remote []string
	var index []int
	for i, c := range configs {
		if storage.IsRemote(c) {
			remote = append(remote, c)
			index = append(index, i)
		}
	}
	if len(remote) == 0 {
		return configs, nil
	}

	root := storage.LaunchRoot(req.LaunchBase, r.deps.Getenv)
	fetcher := &storage.Fetcher{
		Router:      r.deps.Router,
		Concurrency: r.deps.FetchConcurrency,
		Logger:      logging.FromContext(ctx),
	}
	paths, err := fetcher.FetchAll(ctx, remote, root)
	if err != nil {
		return nil, err
	}
	for j, p := range paths {
		configs[index[j]] = p
		var size int64
		if info, err := os.Stat(p); err == nil {
			size = info.Size()
		}
		r.deps.Metrics.RecordTransfer(diagnostics.DirectionDownload, size)
	}
	return configs, nil
}

// uploadArtifacts uploads every file in workDir matching ArtifactPatterns.
// It returns the URIs written.
func (r *Runner) uploadArtifacts(ctx context.Context, workDir, resultsURI, runID string) ([]string, error) {
	target := strings.TrimSuffix(resultsURI, "/") + "/" + runID
	store, uri, err := r.deps.Router.Resolve(target)
	if err != nil {
		return nil, err
	}

	files, err := artifacts(workDir)
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx)
	var uploaded []string
	for _, path := range files {
		key := uri.Key + "/" + filepath.Base(path)
		if err := store.Upload(ctx, path, uri.Bucket, key, true); err != nil {
			return uploaded, fmt.Errorf("upload %s: %w", path, err)
		}
		var size int64
		if info, err := os.Stat(path); err == nil {
			size = info.Size()
		}
		r.deps.Metrics.RecordTransfer(diagnostics.DirectionUpload, size)
		dest := storage.URI{Scheme: uri.Scheme, Bucket: uri.Bucket, Key: key}.String()
		uploaded = append(uploaded, dest)
		logger.Debug("Uploaded artifact", "path", path, "uri", dest)
	}
	logger.Info("Uploaded run artifacts", "count", len(uploaded), "prefix", uri.String())
	return uploaded, nil
}

func artifacts(workDir string) ([]string, error) {
	seen := map[string]bool{}
	var files []string
	for _, pattern := range ArtifactPatterns {
		matches, err := filepath.Glob(filepath.Join(workDir, pattern))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() || seen[m] {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}
