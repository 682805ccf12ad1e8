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
	"os"

	"github.com/spf13/cobra"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/project"
)

var (
	cloneRevision string
	cloneDepth    int
	cloneTokenEnv string
)

// cloneCmd fetches a pipeline project the way run --clone does, for
// inspecting or pre-staging it.
var cloneCmd = &cobra.Command{
	Use:   "clone <url> <dest>",
	Short: "Clone a git project, injecting a token for private https repositories",
	Long: `Clones <url> into <dest> and checks out --revision. For https URLs the
token from --token-env is injected as x-access-token; it never appears in
logs or error messages. <dest> must be empty or absent.`,
	Args: cobra.ExactArgs(2),
	RunE: runClone,
}

func init() {
	cloneCmd.Flags().StringVar(&cloneRevision, "revision", "", "Branch, tag or commit to check out (default: run.revision)")
	cloneCmd.Flags().IntVar(&cloneDepth, "depth", 0, "Shallow clone depth, 0 for full history")
	cloneCmd.Flags().StringVar(&cloneTokenEnv, "token-env", "GITHUB_TOKEN", "Environment variable holding the git token")
	rootCmd.AddCommand(cloneCmd)
}

func runClone(cmd *cobra.Command, args []string) error {
	revision := cloneRevision
	if revision == "" {
		revision = app.cfg.Run.Revision
	}
	var token string
	if cloneTokenEnv != "" {
		token = os.Getenv(cloneTokenEnv)
	}

	commit, err := project.NewCloner(newProcessManager(), app.logger).Clone(cmd.Context(), project.CloneOptions{
		URL:      args[0],
		Revision: revision,
		Dest:     args[1],
		Token:    token,
		Depth:    cloneDepth,
	})
	if err != nil {
		return err
	}
	app.out.KeyValues(map[string]string{"dest": args[1], "revision": revision, "commit": commit})
	return nil
}
