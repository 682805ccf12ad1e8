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
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/config"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/nfconfig"
)

var configOutput string

var (
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect nfwrap and Nextflow configuration",
	}

	// configRenderCmd takes the same flags as run so the output matches
	// what run would write.
	configRenderCmd = &cobra.Command{
		Use:   "render",
		Short: "Print (or write with -o) the generated nextflow.config",
		Args:  cobra.NoArgs,
		RunE:  runConfigRender,
	}

	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective nfwrap config as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(app.cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	configPathCmd = &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ResolvePath(configPath, os.Getenv)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
)

func init() {
	f := configRenderCmd.Flags()
	f.StringVar(&runQueue, "queue", config.DefaultQueue, "AWS Batch job queue name or ARN")
	f.StringVar(&runErrorStrategy, "error-strategy", config.DefaultErrorStrategy, "Process error strategy")
	f.IntVar(&runMaxErrors, "max-errors", config.DefaultMaxErrors, "Maximum process errors")
	f.StringVar(&runPublishDir, "publish-dir", config.DefaultPublishDir, "Process publishDir path")
	f.StringSliceVar(&runOverlays, "overlay", nil, "YAML, JSON or HCL file merged into the config (repeatable)")
	f.StringVarP(&configOutput, "output-file", "o", "", "Write to this path instead of stdout")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configRenderCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigRender(cmd *cobra.Command, args []string) error {
	s, err := resolveRunSettings(cmd, app.cfg, nil)
	if err != nil {
		return err
	}

	cfg := nfconfig.Default(defaultOptions(s, app.cfg.AWS.Region))
	for _, path := range s.Overlays {
		overlay, err := nfconfig.LoadOverlay(path)
		if err != nil {
			return err
		}
		cfg = nfconfig.Merge(cfg, overlay)
	}

	if configOutput != "" {
		if err := nfconfig.WriteFile(configOutput, cfg); err != nil {
			return err
		}
		app.out.Success("Wrote " + configOutput)
		return nil
	}
	return nfconfig.Write(cmd.OutOrStdout(), cfg)
}
