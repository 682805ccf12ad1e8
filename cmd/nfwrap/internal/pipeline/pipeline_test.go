// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/batchq"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/diagnostics"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/infra/process"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/launcher"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/nfconfig"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/project"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/storage"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/storage/storagetest"
	"github.com/pjongeneel/nextflow-docker/pkg/logging"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeLauncher struct {
	calls []launcher.Options
	err   error
	// artifacts are written into the work dir, as Nextflow would.
	artifacts []string
}

func (f *fakeLauncher) Run(ctx context.Context, opts launcher.Options) error {
	f.calls = append(f.calls, opts)
	for _, name := range f.artifacts {
		if err := os.WriteFile(filepath.Join(opts.WorkDir, name), []byte(name), 0644); err != nil {
			return err
		}
	}
	return f.err
}

type fakeQueue struct {
	health  *batchq.QueueHealth
	err     error
	checks  int
	waits   int
	lastRef string
}

func (f *fakeQueue) Check(ctx context.Context, queue string) (*batchq.QueueHealth, error) {
	f.checks++
	f.lastRef = queue
	return f.health, f.err
}

func (f *fakeQueue) WaitHealthy(ctx context.Context, queue string, opts batchq.WaitOptions) (*batchq.QueueHealth, error) {
	f.waits++
	f.lastRef = queue
	return f.health, f.err
}

type fakeCloner struct {
	opts   project.CloneOptions
	commit string
	err    error
}

func (f *fakeCloner) Clone(ctx context.Context, opts project.CloneOptions) (string, error) {
	f.opts = opts
	return f.commit, f.err
}

func healthyQueue() *batchq.QueueHealth {
	return &batchq.QueueHealth{
		Name:   "q",
		State:  "ENABLED",
		Status: "VALID",
		ComputeEnvironments: []batchq.ComputeEnvironment{
			{Name: "spot", State: "ENABLED", Status: "VALID"},
		},
	}
}

type harness struct {
	store    *storagetest.MemoryStore
	launcher *fakeLauncher
	metrics  *diagnostics.NoOpMetrics
	runner   *Runner
	workDir  string
	base     string
}

func newHarness(t *testing.T, mutate func(*Dependencies)) *harness {
	t.Helper()
	h := &harness{
		store:    storagetest.NewMemoryStore(),
		launcher: &fakeLauncher{},
		metrics:  diagnostics.NewNoOpMetrics(),
		workDir:  t.TempDir(),
		base:     t.TempDir(),
	}
	router := storage.NewRouter()
	router.Register(storage.SchemeS3, h.store)

	deps := Dependencies{
		Router:   router,
		Launcher: h.launcher,
		Metrics:  h.metrics,
		Logger:   logging.New(logging.Config{Quiet: true}),
		Getenv: func(key string) string {
			return map[string]string{"AWS_BATCH_JOB_ID": "job-1", "AWS_BATCH_JOB_ATTEMPT": "2"}[key]
		},
		NewRunID: func() string { return "run-1" },
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.runner = NewRunner(deps)
	return h
}

func (h *harness) request() Request {
	return Request{
		WorkDir:    h.workDir,
		Defaults:   nfconfig.DefaultOptions{Queue: "q", ErrorStrategy: "retry", MaxErrors: 1, PublishDir: "/nextflow/outputs", Region: "us-west-1"},
		LaunchBase: h.base,
		Launch: launcher.Options{
			Project:  "https://github.com/pjongeneel/nextflow_project.git",
			Revision: "master",
		},
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestRun_RendersFetchesAndLaunches(t *testing.T) {
	h := newHarness(t, nil)
	h.store.Put("pipeline.poc", "nextflow/sample.config", []byte("params.x = 1\n"))

	req := h.request()
	local := filepath.Join(t.TempDir(), "local.config")
	require.NoError(t, os.WriteFile(local, []byte("params.y = 2\n"), 0644))
	req.Launch.Configs = []string{"s3://pipeline.poc/nextflow/sample.config", local}

	res, err := h.runner.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, filepath.Join(h.workDir, ConfigFileName), res.ConfigPath)

	rendered, err := os.ReadFile(res.ConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(rendered), "queue = 'q'")

	fetched := filepath.Join(h.base, "job-1", "2", "nextflow", "sample.config")
	require.Equal(t, []string{fetched, local}, res.Configs)
	data, err := os.ReadFile(fetched)
	require.NoError(t, err)
	assert.Equal(t, "params.x = 1\n", string(data))

	require.Len(t, h.launcher.calls, 1)
	call := h.launcher.calls[0]
	assert.Equal(t, res.Configs, call.Configs)
	assert.Equal(t, h.workDir, call.WorkDir)
	assert.False(t, call.LocalProject)

	assert.Equal(t, int64(4), h.metrics.Stages(), "lock, render, fetch and launch")
	assert.Equal(t, int64(1), h.metrics.Transfers())
	assert.Equal(t, int64(len("params.x = 1\n")), h.metrics.Bytes())
}

func TestRun_LaunchFailureStillUploadsArtifacts(t *testing.T) {
	h := newHarness(t, nil)
	h.launcher.err = process.NewCommandError("nextflow run", 3, "boom", errors.New("exit status 3"))
	h.launcher.artifacts = []string{"trace.txt", "report.html", "unrelated.bin"}

	req := h.request()
	req.ResultsURI = "s3://results/runs/"

	res, err := h.runner.Run(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 3, process.ExitCode(err))
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, 3, h.metrics.ExitCode())

	assert.ElementsMatch(t, []string{
		"s3://results/runs/run-1/report.html",
		"s3://results/runs/run-1/trace.txt",
	}, res.Uploaded)
	_, ok := h.store.Get("results", "runs/run-1/trace.txt")
	assert.True(t, ok)
	_, ok = h.store.Get("results", "runs/run-1/unrelated.bin")
	assert.False(t, ok)
}

func TestRun_UploadFailureAfterSuccessfulLaunch(t *testing.T) {
	h := newHarness(t, nil)
	h.launcher.artifacts = []string{"trace.txt"}

	req := h.request()
	req.ResultsURI = "gs://results/runs"

	_, err := h.runner.Run(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrUnsupportedScheme), "got %v", err)
}

func TestRun_FetchFailureStopsBeforeLaunch(t *testing.T) {
	h := newHarness(t, nil)
	req := h.request()
	req.Launch.Configs = []string{"s3://pipeline.poc/missing.config"}

	_, err := h.runner.Run(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storagetest.ErrNoSuchKey), "got %v", err)
	assert.Empty(t, h.launcher.calls)
	assert.Equal(t, int64(1), h.metrics.Failures())
}

func TestRun_QueueCheck(t *testing.T) {
	tests := []struct {
		name    string
		health  *batchq.QueueHealth
		err     error
		wait    bool
		wantErr error
	}{
		{name: "healthy", health: healthyQueue()},
		{name: "unhealthy", health: &batchq.QueueHealth{Name: "q", State: "DISABLED", Status: "VALID"}, wantErr: batchq.ErrQueueUnhealthy},
		{name: "missing", err: batchq.ErrQueueNotFound, wantErr: batchq.ErrQueueNotFound},
		{name: "wait healthy", health: healthyQueue(), wait: true},
		{name: "wait times out", err: batchq.ErrQueueUnhealthy, wait: true, wantErr: batchq.ErrQueueUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{health: tt.health, err: tt.err}
			h := newHarness(t, func(d *Dependencies) { d.Queue = q })

			req := h.request()
			req.CheckQueue = !tt.wait
			req.WaitQueue = tt.wait

			res, err := h.runner.Run(context.Background(), req)
			assert.Equal(t, "q", q.lastRef, "falls back to the default queue")
			if tt.wait {
				assert.Equal(t, 1, q.waits)
			} else {
				assert.Equal(t, 1, q.checks)
			}
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Empty(t, h.launcher.calls)
				return
			}
			require.NoError(t, err)
			assert.True(t, res.QueueState.Healthy())
			assert.Len(t, h.launcher.calls, 1)
		})
	}
}

func TestRun_QueueCheckWithoutChecker(t *testing.T) {
	h := newHarness(t, nil)
	req := h.request()
	req.CheckQueue = true

	_, err := h.runner.Run(context.Background(), req)
	assert.True(t, errors.Is(err, ErrNoQueueChecker))
}

func TestRun_ClonesProject(t *testing.T) {
	cloner := &fakeCloner{commit: "abc123"}
	h := newHarness(t, func(d *Dependencies) { d.Cloner = cloner })

	req := h.request()
	req.CloneDir = filepath.Join(t.TempDir(), "project")
	req.CloneToken = "ghp_secret"
	req.CloneDepth = 1

	res, err := h.runner.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/pjongeneel/nextflow_project.git", cloner.opts.URL)
	assert.Equal(t, "master", cloner.opts.Revision)
	assert.Equal(t, "ghp_secret", cloner.opts.Token)
	assert.Equal(t, 1, cloner.opts.Depth)

	assert.Equal(t, "abc123", res.Commit)
	assert.Equal(t, req.CloneDir, res.Project)
	require.Len(t, h.launcher.calls, 1)
	assert.Equal(t, req.CloneDir, h.launcher.calls[0].Project)
	assert.True(t, h.launcher.calls[0].LocalProject)
}

func TestRun_OverlayMergedIntoConfig(t *testing.T) {
	h := newHarness(t, nil)
	overlay := filepath.Join(t.TempDir(), "overlay.yaml")
	require.NoError(t, os.WriteFile(overlay, []byte("process:\n  queue: other\n"), 0644))

	req := h.request()
	req.Overlays = []string{overlay}

	res, err := h.runner.Run(context.Background(), req)
	require.NoError(t, err)
	rendered, err := os.ReadFile(res.ConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(rendered), "queue = 'other'")
	assert.NotContains(t, string(rendered), "queue = 'q'")
}

func TestRun_WorkDirLocked(t *testing.T) {
	h := newHarness(t, nil)
	held := process.NewLock(process.LockConfig{LockDir: h.workDir, LockName: ".nfwrap"})
	require.NoError(t, held.Acquire())
	defer held.Release()

	_, err := h.runner.Run(context.Background(), h.request())
	var lockErr *process.ErrLockHeld
	assert.True(t, errors.As(err, &lockErr), "got %v", err)
	assert.Empty(t, h.launcher.calls)
}

func TestRun_Validation(t *testing.T) {
	h := newHarness(t, nil)
	req := h.request()
	req.WorkDir = ""
	_, err := h.runner.Run(context.Background(), req)
	assert.True(t, errors.Is(err, ErrNoWorkDir))
}

func TestArtifacts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"trace-20250101.txt", "timeline.html", "dag.dot", ".nextflow.log", "nextflow.config"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dag-dir"), 0755))

	files, err := artifacts(dir)
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	assert.Equal(t, []string{".nextflow.log", "dag.dot", "timeline.html", "trace-20250101.txt"}, names)
}
