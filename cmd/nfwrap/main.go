// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command nfwrap launches Nextflow pipelines on AWS Batch and manages the
// AWS resources they run on.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/infra/process"
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:]))
}

// execute runs the root command and maps the outcome to an exit status:
// Nextflow's own status when it failed, 1 for any other error.
func execute(ctx context.Context, args []string) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var cmdErr *process.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Command != "" && cmdErr.ExitCode > 0 {
		printError(fmt.Sprintf("%s exited with status %d", cmdErr.Command, cmdErr.ExitCode))
	} else {
		printError(err.Error())
	}
	return process.ExitCode(err)
}

func printError(msg string) {
	if app.out != nil {
		app.out.Error(msg)
		return
	}
	fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %s\n", msg)
}
