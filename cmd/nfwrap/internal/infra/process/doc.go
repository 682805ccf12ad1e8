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
Package process provides abstractions for external process execution and
inter-process synchronization.

# Overview

This package contains three components:

  - Manager: runs external binaries (nextflow, git, docker) behind an
    interface so callers can be tested with MockManager
  - CommandError: the error returned for a non-zero exit, carrying the
    exit code so it can be surfaced as nfwrap's own exit status
  - Lock: flock(2) based lock preventing two launches from sharing a
    work directory

# Manager

	pm := process.NewDefaultManager()
	out, err := pm.Run(ctx, "git", "rev-parse", "HEAD")
	if err != nil {
	    return fmt.Errorf("resolve revision: %w", err)
	}

Long-running commands whose output should reach the terminal use
RunStreaming:

	err := pm.RunStreaming(ctx, process.Spec{
	    Name:   "nextflow",
	    Args:   args,
	    Dir:    workDir,
	    Env:    env.ToSlice(),
	    Stdout: os.Stdout,
	    Stderr: os.Stderr,
	})

For testing, use MockManager:

	mock := &process.MockManager{
	    RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
	        return []byte("mock output"), nil
	    },
	}

# Lock

	lock := process.NewLock(process.LockConfig{LockDir: workDir, LockName: ".nfwrap", Owner: runID})
	if err := lock.Acquire(); err != nil {
	    return err
	}
	defer lock.Release()

# Thread Safety

  - Manager implementations are safe for concurrent use
  - Lock is NOT safe for concurrent use from multiple goroutines

# Limitations

  - Lock uses advisory locks; processes that don't check it are not blocked
  - Lock requires OS support for flock(2) and misbehaves on some NFS mounts
*/
package process
