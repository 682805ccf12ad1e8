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
Package diagnostics provides metrics and tracing for nfwrap runs.

# Metrics Exported

  - nfwrap_run_stage_duration_seconds: Histogram by stage and outcome
  - nfwrap_run_transfers_total: Counter by direction (download, upload)
  - nfwrap_run_transfer_bytes_total: Counter by direction
  - nfwrap_run_launch_exit_code: Gauge of the last Nextflow exit code
  - nfwrap_run_queue_healthy: Gauge by queue (1 healthy, 0 not)

A launch is a short-lived process, so metrics live on a private registry
and are either written to a node-exporter textfile at the end of the run
or served over HTTP by long-running commands.
*/
package diagnostics

import (
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	metricsNamespace = "nfwrap"
	metricsSubsystem = "run"

	// DirectionDownload labels object-store reads.
	DirectionDownload = "download"

	// DirectionUpload labels object-store writes.
	DirectionUpload = "upload"
)

// Recorder receives run metrics.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; fetches run in parallel.
type Recorder interface {
	// ObserveStage records how long a pipeline stage took and whether it failed.
	ObserveStage(stage string, d time.Duration, err error)

	// RecordTransfer counts one object transfer of size bytes.
	RecordTransfer(direction string, bytes int64)

	// RecordExitCode sets the Nextflow exit code.
	RecordExitCode(code int)

	// RecordQueueHealth sets the health of a Batch queue.
	RecordQueueHealth(queue string, healthy bool)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// -----------------------------------------------------------------------------
// NoOpMetrics
// -----------------------------------------------------------------------------

// NoOpMetrics keeps totals in memory and exports nothing.
type NoOpMetrics struct {
	stages    atomic.Int64
	failures  atomic.Int64
	transfers atomic.Int64
	bytes     atomic.Int64
	exitCode  atomic.Int64
}

// NewNoOpMetrics creates a NoOpMetrics.
func NewNoOpMetrics() *NoOpMetrics {
	return &NoOpMetrics{}
}

func (m *NoOpMetrics) ObserveStage(stage string, d time.Duration, err error) {
	m.stages.Add(1)
	if err != nil {
		m.failures.Add(1)
	}
}

func (m *NoOpMetrics) RecordTransfer(direction string, bytes int64) {
	m.transfers.Add(1)
	m.bytes.Add(bytes)
}

func (m *NoOpMetrics) RecordExitCode(code int) { m.exitCode.Store(int64(code)) }

func (m *NoOpMetrics) RecordQueueHealth(queue string, healthy bool) {}

// Stages returns the number of stages observed.
func (m *NoOpMetrics) Stages() int64 { return m.stages.Load() }

// Failures returns the number of failed stages observed.
func (m *NoOpMetrics) Failures() int64 { return m.failures.Load() }

// Transfers returns the number of transfers recorded.
func (m *NoOpMetrics) Transfers() int64 { return m.transfers.Load() }

// Bytes returns the total bytes transferred.
func (m *NoOpMetrics) Bytes() int64 { return m.bytes.Load() }

// ExitCode returns the last recorded exit code.
func (m *NoOpMetrics) ExitCode() int { return int(m.exitCode.Load()) }

// -----------------------------------------------------------------------------
// Prometheus Metrics
// -----------------------------------------------------------------------------

// Metrics records run metrics on a private Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	stageDuration *prometheus.HistogramVec
	transfers     *prometheus.CounterVec
	transferBytes *prometheus.CounterVec
	exitCode      prometheus.Gauge
	queueHealthy  *prometheus.GaugeVec
}

// NewMetrics creates Metrics and registers its collectors, plus the Go and
// process collectors, on a fresh registry.
//
// # Examples
//
//	metrics := diagnostics.NewMetrics()
//	defer metrics.WriteTextfile("/var/lib/node_exporter/nfwrap.prom")
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Duration of each launch stage in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800, 7200, 28800},
			},
			[]string{"stage", "outcome"},
		),

		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "transfers_total",
				Help:      "Object storage transfers by direction",
			},
			[]string{"direction"},
		),

		transferBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "transfer_bytes_total",
				Help:      "Bytes moved to or from object storage by direction",
			},
			[]string{"direction"},
		),

		exitCode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "launch_exit_code",
				Help:      "Exit code of the last Nextflow launch",
			},
		),

		queueHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "queue_healthy",
				Help:      "Batch job queue health (1=healthy, 0=unhealthy)",
			},
			[]string{"queue"},
		),
	}

	m.registry.MustRegister(
		m.stageDuration,
		m.transfers,
		m.transferBytes,
		m.exitCode,
		m.queueHealthy,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	m.stageDuration.WithLabelValues(stage, outcome(err)).Observe(d.Seconds())
}

func (m *Metrics) RecordTransfer(direction string, bytes int64) {
	m.transfers.WithLabelValues(direction).Inc()
	if bytes > 0 {
		m.transferBytes.WithLabelValues(direction).Add(float64(bytes))
	}
}

func (m *Metrics) RecordExitCode(code int) {
	m.exitCode.Set(float64(code))
}

func (m *Metrics) RecordQueueHealth(queue string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.queueHealthy.WithLabelValues(queue).Set(v)
}

// Registry exposes the registry for tests and additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WriteTextfile writes the registry to path for the node-exporter textfile
// collector. The write is atomic.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return errors.New("textfile path is empty")
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Compile-time interface compliance checks.
var _ Recorder = (*NoOpMetrics)(nil)
var _ Recorder = (*Metrics)(nil)
