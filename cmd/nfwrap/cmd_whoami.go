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
	"github.com/spf13/cobra"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/awsauth"
)

var bucketPrefix string

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the AWS identity in use and the account's default bucket name",
	Args:  cobra.NoArgs,
	RunE:  runWhoami,
}

func init() {
	whoamiCmd.Flags().StringVar(&bucketPrefix, "bucket-prefix", "nextflow", "Prefix of the per-account bucket name")
	rootCmd.AddCommand(whoamiCmd)
}

func runWhoami(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	awsCfg, err := awsConfig(ctx)
	if err != nil {
		return err
	}
	id, err := awsauth.Identity(ctx, newSTSAPI(awsCfg))
	if err != nil {
		return err
	}

	fields := map[string]string{
		"account": id.Account,
		"arn":     id.ARN,
		"user_id": id.UserID,
		"region":  awsCfg.Region,
	}
	bucket, err := awsauth.BucketName(bucketPrefix, id.Account, awsCfg.Region)
	if err != nil {
		app.out.Warning(err.Error())
	} else {
		fields["bucket"] = bucket
	}
	app.out.KeyValues(fields)
	return nil
}
