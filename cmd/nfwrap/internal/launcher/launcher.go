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
Package launcher builds the Nextflow command line and runs it.

The argument vector is fixed in shape:

	nextflow [-C|-c <config>]... run <project> [-revision <rev> -latest] [-resume]
	    -with-trace -with-report -with-timeline -with-weblog [url] -with-dag [extra...]

Nextflow also reads nextflow.config from its working directory, which is
where the rendered default config is written. -C replaces that lookup
with the given files only.
*/
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/infra/process"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/util"
	"github.com/pjongeneel/nextflow-docker/pkg/logging"
)

const (
	// DefaultExecutable is where the Batch head-node image installs Nextflow.
	DefaultExecutable = "/usr/local/bin/nextflow"

	// LatestVersion leaves NXF_VER unset so Nextflow uses its own version.
	LatestVersion = "latest"

	// VersionEnv pins the Nextflow runtime version.
	VersionEnv = "NXF_VER"
)

var (
	// ErrInvalidVersion is returned for a version that is neither
	// LatestVersion nor a semantic version.
	ErrInvalidVersion = errors.New("invalid nextflow version")

	// ErrNoProject is returned when Options.Project is empty.
	ErrNoProject = errors.New("no project given")
)

// Options describes one Nextflow launch.
type Options struct {
	// Executable defaults to DefaultExecutable.
	Executable string

	// Version is LatestVersion, "" or a semantic version such as "23.10.1".
	Version string

	Configs         []string
	ExplicitConfigs bool

	Project  string
	Revision string

	// LocalProject marks Project as a checked-out directory. Nextflow
	// rejects -revision and -latest for those, so both are dropped.
	LocalProject bool

	// NoCache drops -resume.
	NoCache bool

	// WeblogURL follows -with-weblog when set.
	WeblogURL string

	// ExtraArgs are appended verbatim, typically pipeline --params.
	ExtraArgs []string

	// WorkDir is the launch directory.
	WorkDir string
}

// BuildArgs returns the arguments passed to the Nextflow executable.
//
// # Examples
//
//	BuildArgs(Options{Configs: []string{"a.config"}, Project: "p", Revision: "master"})
//	// [-c a.config run p -revision master -latest -resume
//	//  -with-trace -with-report -with-timeline -with-weblog -with-dag]
func BuildArgs(opts Options) []string {
	declarator := "-c"
	if opts.ExplicitConfigs {
		declarator = "-C"
	}

	args := make([]string, 0, 2*len(opts.Configs)+13+len(opts.ExtraArgs))
	for _, cfg := range opts.Configs {
		args = append(args, declarator, cfg)
	}

	args = append(args, "run", opts.Project)
	if !opts.LocalProject {
		args = append(args, "-revision", opts.Revision, "-latest")
	}
	if !opts.NoCache {
		args = append(args, "-resume")
	}

	args = append(args, "-with-trace", "-with-report", "-with-timeline", "-with-weblog")
	if opts.WeblogURL != "" {
		args = append(args, opts.WeblogURL)
	}
	args = append(args, "-with-dag")

	return append(args, opts.ExtraArgs...)
}

// Environment returns the variables a launch adds to the inherited
// environment.
func Environment(opts Options) (*util.EnvVars, error) {
	env := util.EmptyEnvVars()
	if opts.Version == "" || opts.Version == LatestVersion {
		return env, nil
	}

	version := strings.TrimPrefix(opts.Version, "v")
	if v := semverOf(version); !semver.IsValid(v) || semver.Canonical(v) != v {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, opts.Version)
	}
	if err := env.Set(VersionEnv, version, false); err != nil {
		return nil, err
	}
	return env, nil
}

// semverOf maps a Nextflow version such as "24.04.2-edge" to semver form.
// Nextflow zero-pads its minor version, which semver forbids.
func semverOf(version string) string {
	core, pre, hasPre := strings.Cut(version, "-")
	parts := strings.Split(core, ".")
	for i, p := range parts {
		if trimmed := strings.TrimLeft(p, "0"); trimmed != "" {
			parts[i] = trimmed
		} else if p != "" {
			parts[i] = "0"
		}
	}
	v := "v" + strings.Join(parts, ".")
	if hasPre {
		v += "-" + pre
	}
	return v
}

// Launcher runs Nextflow through a process.Manager.
type Launcher struct {
	proc   process.Manager
	logger *logging.Logger

	// Stdout and Stderr receive Nextflow's output. Defaults: os.Stdout, os.Stderr.
	Stdout io.Writer
	Stderr io.Writer

	// Environ supplies the inherited environment. Default: os.Environ.
	Environ func() []string
}

// New creates a Launcher.
func New(proc process.Manager, logger *logging.Logger) *Launcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Launcher{
		proc:    proc,
		logger:  logger,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Environ: os.Environ,
	}
}

// Run launches Nextflow and waits for it to exit.
//
// # Description
//
// Output is streamed, not captured. A non-zero exit surfaces as a
// *process.CommandError whose ExitCode is Nextflow's, so callers can
// exit with the pipeline's status.
//
// # Inputs
//
//   - ctx: Cancelling it sends SIGTERM to Nextflow
//   - opts: Launch options; Project is required
//
// # Outputs
//
//   - error: nil on exit 0, *process.CommandError otherwise, or a
//     validation error before anything is started
func (l *Launcher) Run(ctx context.Context, opts Options) error {
	if opts.Project == "" {
		return ErrNoProject
	}
	extra, err := Environment(opts)
	if err != nil {
		return err
	}

	exe := opts.Executable
	if exe == "" {
		exe = DefaultExecutable
	}
	env := util.FromEnviron(l.Environ()).Merge(extra)

	spec := process.Spec{
		Name:   exe,
		Args:   BuildArgs(opts),
		Dir:    opts.WorkDir,
		Env:    env.ToSlice(),
		Stdout: l.Stdout,
		Stderr: l.Stderr,
	}

	l.logger.Info("Launching Nextflow", "command", spec.CommandLine(), "dir", opts.WorkDir)
	if extra.Len() > 0 {
		l.logger.Debug("Launch environment", "vars", extra.RedactedSlice())
	}

	if err := l.proc.RunStreaming(ctx, spec); err != nil {
		var cmdErr *process.CommandError
		if errors.As(err, &cmdErr) {
			l.logger.Error("Nextflow failed", "exit_code", cmdErr.ExitCode)
			return err
		}
		return fmt.Errorf("launch nextflow: %w", err)
	}
	l.logger.Info("Nextflow finished")
	return nil
}
