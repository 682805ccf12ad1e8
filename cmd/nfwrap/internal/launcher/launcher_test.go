// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package launcher

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/infra/process"
	"github.com/pjongeneel/nextflow-docker/pkg/logging"
)

// =============================================================================
// BuildArgs
// =============================================================================

func TestBuildArgs(t *testing.T) {
	tail := []string{"-with-trace", "-with-report", "-with-timeline", "-with-weblog", "-with-dag"}
	run := []string{"run", "https://github.com/pjongeneel/nextflow_project.git", "-revision", "master", "-latest"}
	base := Options{
		Project:  "https://github.com/pjongeneel/nextflow_project.git",
		Revision: "master",
	}

	concat := func(parts ...[]string) []string {
		var out []string
		for _, p := range parts {
			out = append(out, p...)
		}
		return out
	}

	tests := []struct {
		name string
		mut  func(*Options)
		want []string
	}{
		{
			name: "defaults resume",
			mut:  func(o *Options) {},
			want: concat(run, []string{"-resume"}, tail),
		},
		{
			name: "configs with -c",
			mut:  func(o *Options) { o.Configs = []string{"/nextflow/master/local/1/sample.config", "extra.config"} },
			want: concat([]string{"-c", "/nextflow/master/local/1/sample.config", "-c", "extra.config"}, run, []string{"-resume"}, tail),
		},
		{
			name: "explicit configs with -C",
			mut: func(o *Options) {
				o.Configs = []string{"a.config"}
				o.ExplicitConfigs = true
			},
			want: concat([]string{"-C", "a.config"}, run, []string{"-resume"}, tail),
		},
		{
			name: "no cache drops resume",
			mut:  func(o *Options) { o.NoCache = true },
			want: concat(run, tail),
		},
		{
			name: "weblog url",
			mut:  func(o *Options) { o.WeblogURL = "http://localhost:8787" },
			want: concat(run, []string{"-resume", "-with-trace", "-with-report", "-with-timeline", "-with-weblog", "http://localhost:8787", "-with-dag"}),
		},
		{
			name: "local project drops revision",
			mut: func(o *Options) {
				o.Project = "/nextflow/project"
				o.LocalProject = true
			},
			want: concat([]string{"run", "/nextflow/project", "-resume"}, tail),
		},
		{
			name: "extra args last",
			mut: func(o *Options) {
				o.NoCache = true
				o.ExtraArgs = []string{"--input", "s3://bucket/samples.csv"}
			},
			want: concat(run, tail, []string{"--input", "s3://bucket/samples.csv"}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			tt.mut(&opts)
			assert.Equal(t, tt.want, BuildArgs(opts))
		})
	}
}

// =============================================================================
// Environment
// =============================================================================

func TestEnvironment(t *testing.T) {
	tests := []struct {
		version string
		want    string
		wantErr bool
	}{
		{"latest", "", false},
		{"", "", false},
		{"23.10.1", "23.10.1", false},
		{"v22.04.5", "22.04.5", false},
		{"24.02.0-edge", "24.02.0-edge", false},
		{"22.04.0", "22.04.0", false},
		{"23.10", "", true},
		{"23.10.1+build", "", true},
		{"1..2", "", true},
		{"banana", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			env, err := Environment(Options{Version: tt.version})
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidVersion))
				return
			}
			require.NoError(t, err)
			got, ok := env.Lookup(VersionEnv)
			assert.Equal(t, tt.want != "", ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Run
// =============================================================================

func newTestLauncher(proc process.Manager) *Launcher {
	l := New(proc, logging.New(logging.Config{Quiet: true}))
	l.Environ = func() []string { return []string{"PATH=/usr/bin", "NXF_VER=20.01.0"} }
	return l
}

func TestRun_Mock(t *testing.T) {
	var got process.Spec
	mock := &process.MockManager{
		RunStreamingFunc: func(ctx context.Context, spec process.Spec) error {
			got = spec
			return nil
		},
	}

	opts := Options{
		Version:  "23.10.1",
		Configs:  []string{"s.config"},
		Project:  "org/pipeline",
		Revision: "dev",
		WorkDir:  "/nextflow/work",
	}
	require.NoError(t, newTestLauncher(mock).Run(context.Background(), opts))

	assert.Equal(t, DefaultExecutable, got.Name)
	assert.Equal(t, BuildArgs(opts), got.Args)
	assert.Equal(t, "/nextflow/work", got.Dir)
	assert.Equal(t, []string{"PATH=/usr/bin", "NXF_VER=23.10.1"}, got.Env)
}

func TestRun_LatestKeepsInheritedVersion(t *testing.T) {
	var env []string
	mock := &process.MockManager{
		RunStreamingFunc: func(ctx context.Context, spec process.Spec) error {
			env = spec.Env
			return nil
		},
	}
	require.NoError(t, newTestLauncher(mock).Run(context.Background(), Options{Project: "p", Version: LatestVersion}))
	assert.Contains(t, env, "NXF_VER=20.01.0")
}

func TestRun_ValidationStopsBeforeLaunch(t *testing.T) {
	mock := &process.MockManager{}
	l := newTestLauncher(mock)

	assert.True(t, errors.Is(l.Run(context.Background(), Options{}), ErrNoProject))
	assert.True(t, errors.Is(l.Run(context.Background(), Options{Project: "p", Version: "x"}), ErrInvalidVersion))
	assert.Empty(t, mock.GetCalls())
}

func TestRun_PropagatesExitCode(t *testing.T) {
	mock := &process.MockManager{
		RunStreamingFunc: func(ctx context.Context, spec process.Spec) error {
			return process.NewCommandError(spec.CommandLine(), 7, "", errors.New("exit status 7"))
		},
	}
	err := newTestLauncher(mock).Run(context.Background(), Options{Project: "p"})
	require.Error(t, err)
	assert.Equal(t, 7, process.ExitCode(err))
}

func TestRun_NonCommandErrorIsWrapped(t *testing.T) {
	boom := errors.New("boom")
	mock := &process.MockManager{
		RunStreamingFunc: func(ctx context.Context, spec process.Spec) error { return boom },
	}
	err := newTestLauncher(mock).Run(context.Background(), Options{Project: "p"})
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 1, process.ExitCode(err))
}

// fakeNextflow writes a shell script standing in for the Nextflow binary.
func fakeNextflow(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nextflow")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func TestRun_RealProcess(t *testing.T) {
	exe := fakeNextflow(t, `echo "args: $*"; echo "ver: $NXF_VER"; echo "pwd: $(pwd)"`)
	workDir := t.TempDir()

	var stdout bytes.Buffer
	l := newTestLauncher(process.NewDefaultManager())
	l.Stdout = &stdout

	err := l.Run(context.Background(), Options{
		Executable: exe,
		Version:    "23.10.1",
		Project:    "org/pipeline",
		Revision:   "master",
		NoCache:    true,
		WorkDir:    workDir,
	})
	require.NoError(t, err)

	out := stdout.String()
	assert.Contains(t, out, "args: run org/pipeline -revision master -latest -with-trace")
	assert.Contains(t, out, "ver: 23.10.1")
	resolved, _ := filepath.EvalSymlinks(workDir)
	assert.True(t, strings.Contains(out, "pwd: "+workDir) || strings.Contains(out, "pwd: "+resolved), out)
}

func TestRun_RealProcessExitCode(t *testing.T) {
	exe := fakeNextflow(t, "echo failing >&2; exit 3")

	var stderr bytes.Buffer
	l := newTestLauncher(process.NewDefaultManager())
	l.Stderr = &stderr

	err := l.Run(context.Background(), Options{Executable: exe, Project: "p", Revision: "master"})
	require.Error(t, err)
	assert.Equal(t, 3, process.ExitCode(err))
	assert.Contains(t, stderr.String(), "failing")

	var cmdErr *process.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.True(t, strings.HasPrefix(cmdErr.Command, exe+" run p"))
}
