// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// DefaultWaitDelay is how long a cancelled command gets between SIGTERM and
// SIGKILL. Nextflow uses this window to write .nextflow.log and cancel its
// Batch jobs.
const DefaultWaitDelay = 30 * time.Second

// =============================================================================
// Interface
// =============================================================================

// Manager abstracts external process execution.
//
// # Description
//
// Every exec.Command in nfwrap goes through a Manager so that the git,
// docker and nextflow invocations can be asserted on in unit tests
// without the binaries installed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Manager interface {
	// Run executes a command and returns its stdout. A non-zero exit yields
	// a *CommandError with stderr captured.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunWithInput is Run with input piped to the command's stdin. Used
	// for secrets that must not appear in argv (docker --password-stdin).
	RunWithInput(ctx context.Context, name string, input []byte, args ...string) ([]byte, error)

	// RunStreaming executes spec with stdout/stderr connected to the given
	// writers. It blocks until the command exits. A non-zero exit yields a
	// *CommandError carrying the exit code.
	RunStreaming(ctx context.Context, spec Spec) error
}

// Spec describes a streamed command.
type Spec struct {
	// Name is the executable, resolved through PATH when not absolute.
	Name string

	// Args are the command arguments, excluding Name.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is the full environment ("KEY=value"). Nil inherits os.Environ.
	Env []string

	// Stdin, Stdout and Stderr default to nothing / io.Discard.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// CommandLine returns Name and Args space-joined.
func (s Spec) CommandLine() string {
	return strings.Join(append([]string{s.Name}, s.Args...), " ")
}

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultManager runs real processes via os/exec.
//
// On context cancellation the child receives SIGTERM and, if still alive
// after WaitDelay, SIGKILL.
type DefaultManager struct {
	WaitDelay time.Duration
}

// NewDefaultManager creates a DefaultManager with DefaultWaitDelay.
func NewDefaultManager() *DefaultManager {
	return &DefaultManager{WaitDelay: DefaultWaitDelay}
}

// Run executes a command and returns stdout.
func (pm *DefaultManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return pm.capture(ctx, nil, name, args...)
}

// RunWithInput executes a command with input on stdin and returns stdout.
func (pm *DefaultManager) RunWithInput(ctx context.Context, name string, input []byte, args ...string) ([]byte, error) {
	return pm.capture(ctx, input, name, args...)
}

func (pm *DefaultManager) capture(ctx context.Context, input []byte, name string, args ...string) ([]byte, error) {
	cmd := pm.command(ctx, name, args...)
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), NewCommandError(
			strings.Join(append([]string{name}, args...), " "),
			exitCodeOf(err), stderr.String(), err)
	}
	return stdout.Bytes(), nil
}

// RunStreaming executes spec, connecting its output to spec's writers.
func (pm *DefaultManager) RunStreaming(ctx context.Context, spec Spec) error {
	cmd := pm.command(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	if err := cmd.Run(); err != nil {
		return NewCommandError(spec.CommandLine(), exitCodeOf(err), "", err)
	}
	return nil
}

func (pm *DefaultManager) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = pm.WaitDelay
	return cmd
}

// exitCodeOf returns the process exit code, or -1 when the process did not
// run to completion (not found, killed by signal).
func exitCodeOf(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

var _ Manager = (*DefaultManager)(nil)
