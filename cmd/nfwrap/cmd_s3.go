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
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/storage"
)

var (
	s3EmptyOK     bool
	s3NoOverwrite bool
)

var (
	s3Cmd = &cobra.Command{
		Use:   "s3",
		Short: "Object storage helpers for s3:// and gs:// URIs",
	}

	s3ExistsCmd = &cobra.Command{
		Use:   "exists <uri>",
		Short: "Print whether an object exists",
		Args:  cobra.ExactArgs(1),
		RunE:  runS3Exists,
	}

	s3LsCmd = &cobra.Command{
		Use:   "ls <uri-prefix/>",
		Short: "List every object under a prefix, recursively",
		Args:  cobra.ExactArgs(1),
		RunE:  runS3Ls,
	}

	s3CpCmd = &cobra.Command{
		Use:   "cp <src> <dst>",
		Short: "Upload a local file or download an object",
		Long: `Copies between a local path and an object URI. Exactly one side
must be an s3:// or gs:// URI.`,
		Args: cobra.ExactArgs(2),
		RunE: runS3Cp,
	}
)

func init() {
	s3ExistsCmd.Flags().BoolVar(&s3EmptyOK, "empty-ok", true, "Count zero-length objects as existing (--empty-ok=false to require content)")
	s3CpCmd.Flags().BoolVar(&s3NoOverwrite, "no-overwrite", false, "Skip when the destination exists")

	rootCmd.AddCommand(s3Cmd)
	s3Cmd.AddCommand(s3ExistsCmd)
	s3Cmd.AddCommand(s3LsCmd)
	s3Cmd.AddCommand(s3CpCmd)
}

// withRouter resolves AWS credentials, builds the storage router and
// hands it to fn.
func withRouter(cmd *cobra.Command, fn func(*storage.Router) error) error {
	ctx := cmd.Context()
	awsCfg, err := awsConfig(ctx)
	if err != nil {
		return err
	}
	router, cleanup, err := storageRouter(ctx, awsCfg)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(router)
}

func runS3Exists(cmd *cobra.Command, args []string) error {
	return withRouter(cmd, func(router *storage.Router) error {
		store, uri, err := router.Resolve(args[0])
		if err != nil {
			return err
		}
		ok, err := store.Exists(cmd.Context(), uri.Bucket, uri.Key, s3EmptyOK)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ok)
		return nil
	})
}

func runS3Ls(cmd *cobra.Command, args []string) error {
	return withRouter(cmd, func(router *storage.Router) error {
		store, uri, err := router.Resolve(args[0])
		if err != nil {
			return err
		}
		objects, err := store.Walk(cmd.Context(), uri.Bucket, uri.Key)
		if err != nil {
			return err
		}
		for _, obj := range objects {
			full := storage.URI{Scheme: uri.Scheme, Bucket: obj.Bucket, Key: obj.Key}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", obj.Size, full)
		}
		app.logger.Debug("Listed prefix", "uri", args[0], "objects", len(objects))
		return nil
	})
}

func runS3Cp(cmd *cobra.Command, args []string) error {
	src, dst := args[0], args[1]
	srcRemote, dstRemote := storage.IsRemote(src), storage.IsRemote(dst)
	if srcRemote == dstRemote {
		return errors.New("exactly one of <src> and <dst> must be an object URI")
	}

	return withRouter(cmd, func(router *storage.Router) error {
		ctx := cmd.Context()
		if dstRemote {
			store, uri, err := router.Resolve(dst)
			if err != nil {
				return err
			}
			// A trailing slash copies into the prefix under the file's name.
			if strings.HasSuffix(uri.Key, "/") {
				uri.Key += filepath.Base(src)
			}
			if err := store.Upload(ctx, src, uri.Bucket, uri.Key, !s3NoOverwrite); err != nil {
				return err
			}
			app.out.Success(fmt.Sprintf("Uploaded %s to %s", src, uri))
			return nil
		}

		store, uri, err := router.Resolve(src)
		if err != nil {
			return err
		}
		if err := store.Download(ctx, dst, uri.Bucket, uri.Key, !s3NoOverwrite); err != nil {
			return err
		}
		app.out.Success(fmt.Sprintf("Downloaded %s to %s", uri, dst))
		return nil
	})
}
