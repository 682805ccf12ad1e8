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
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/diagnostics"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/weblog"
)

var weblogAddr string

var (
	weblogCmd = &cobra.Command{
		Use:   "weblog",
		Short: "Nextflow -with-weblog receiver",
	}

	weblogServeCmd = &cobra.Command{
		Use:   "serve",
		Short: "Receive weblog events and expose run state and metrics",
		Long: `Serves POST / for Nextflow weblog events, GET /runs and /runs/:id for
the latest state per run, GET /metrics for Prometheus and GET /healthz.
Point runs at it with: nfwrap run --weblog-url http://<host>:<port>/`,
		Args: cobra.NoArgs,
		RunE: runWeblogServe,
	}
)

func init() {
	weblogServeCmd.Flags().StringVar(&weblogAddr, "addr", "", "Listen address (default: weblog.addr)")
	rootCmd.AddCommand(weblogCmd)
	weblogCmd.AddCommand(weblogServeCmd)
}

func runWeblogServe(cmd *cobra.Command, args []string) error {
	addr := weblogAddr
	if addr == "" {
		addr = app.cfg.Weblog.Addr
	}
	if app.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Installs the global provider the request middleware traces into.
	tracer, err := diagnostics.NewTracer(cmd.Context(), diagnostics.TracerConfig{
		Exporter:    app.cfg.Diagnostics.TraceExporter,
		ServiceName: "nfwrap-weblog",
		Endpoint:    app.cfg.Diagnostics.OTLPEndpoint,
		Insecure:    app.cfg.Diagnostics.OTLPInsecure,
		Writer:      cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tracer.Shutdown(ctx); err != nil {
			app.logger.Warn("Failed to flush spans", "error", err)
		}
	}()

	app.out.Info("Listening on " + addr)
	return weblog.NewServer(app.logger).ListenAndServe(cmd.Context(), addr)
}
