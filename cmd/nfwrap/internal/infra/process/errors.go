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
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// CommandError
// =============================================================================

// CommandError is returned when an external command fails.
//
// # Description
//
// Carries the command line, the process exit code and whatever the command
// wrote to stderr (when it was captured). The exit code is what nfwrap
// itself exits with when the Nextflow launch fails, so a Batch job's exit
// status reflects the pipeline's.
//
// # Fields
//
//   - Command: Command name and arguments, space-joined
//   - ExitCode: Process exit code, -1 if the process never ran or was killed
//   - Stderr: Trimmed stderr output, empty when streamed to the terminal
//   - Wrapped: Underlying error from os/exec
//
// # Examples
//
//	var cmdErr *process.CommandError
//	if errors.As(err, &cmdErr) {
//	    os.Exit(cmdErr.ExitCode)
//	}
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Wrapped  error
}

// Error formats the error as "<command> (exit N): <detail>".
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the wrapped error for errors.Is and errors.As.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// HasStderr reports whether stderr output was captured.
func (e *CommandError) HasStderr() bool {
	return e.Stderr != ""
}

var _ error = (*CommandError)(nil)

// MaxStderrLines bounds the stderr kept on a CommandError. A failing
// git or docker call can print pages; the tail carries the reason.
const MaxStderrLines = 20

// NewCommandError creates a CommandError keeping the trimmed last
// MaxStderrLines lines of stderr.
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	stderr = strings.TrimSpace(stderr)
	if lines := strings.Split(stderr, "\n"); len(lines) > MaxStderrLines {
		stderr = "...\n" + strings.Join(lines[len(lines)-MaxStderrLines:], "\n")
	}
	return &CommandError{Command: cmd, ExitCode: exitCode, Stderr: stderr, Wrapped: wrapped}
}

// ExitCode maps err to a process exit status: 0 for nil, the exit code of
// the first CommandError in the chain when positive, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode > 0 {
		return cmdErr.ExitCode
	}
	return 1
}

// ExtractStderr returns the captured stderr of the first CommandError in
// err's chain, or "".
func ExtractStderr(err error) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Stderr
	}
	return ""
}
