// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Defaults carried over from the launch wrapper baked into the Batch image.
const (
	DefaultQueue           = "arn:aws:batch:us-west-1:935013742570:job-queue/JobQueue-8992da5e37f02fb"
	DefaultErrorStrategy   = "retry"
	DefaultMaxErrors       = 1
	DefaultProject         = "https://github.com/pjongeneel/nextflow_project.git"
	DefaultRevision        = "master"
	DefaultPublishDir      = "/nextflow/outputs"
	DefaultRegion          = "us-west-1"
	DefaultNextflowVersion = "latest"
	DefaultSampleConfig    = "s3://pipeline.poc/nextflow/sample.config"
	DefaultWeblogAddr      = ":8080"
)

// ErrorStrategies are the values Nextflow accepts for process.errorStrategy.
var ErrorStrategies = []string{"terminate", "finish", "ignore", "retry"}

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("objecturi", validateObjectURI)
}

// validateObjectURI accepts s3:// and gs:// URIs with a bucket.
func validateObjectURI(fl validator.FieldLevel) bool {
	s := strings.ToLower(fl.Field().String())
	for _, scheme := range []string{"s3://", "gs://"} {
		if rest, ok := strings.CutPrefix(s, scheme); ok {
			bucket, _, _ := strings.Cut(rest, "/")
			return bucket != ""
		}
	}
	return false
}

// NfwrapConfig is the on-disk configuration file.
type NfwrapConfig struct {
	AWS         AWSConfig         `yaml:"aws"`
	Run         RunConfig         `yaml:"run"`
	Queue       QueueConfig       `yaml:"queue"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Weblog      WeblogConfig      `yaml:"weblog"`
}

type AWSConfig struct {
	Profile     string `yaml:"profile,omitempty"`
	Region      string `yaml:"region" validate:"required"`
	RoleARN     string `yaml:"role_arn,omitempty" validate:"omitempty,startswith=arn:"`
	SessionName string `yaml:"session_name,omitempty"`
}

// RunConfig holds the defaults for `nfwrap run`.
type RunConfig struct {
	Queue           string   `yaml:"queue" validate:"required"`
	ErrorStrategy   string   `yaml:"error_strategy" validate:"required,oneof=terminate finish ignore retry"`
	MaxErrors       int      `yaml:"max_errors" validate:"gte=-1"`
	Project         string   `yaml:"project" validate:"required"`
	Revision        string   `yaml:"revision" validate:"required"`
	PublishDir      string   `yaml:"publish_dir" validate:"required"`
	NextflowVersion string   `yaml:"nextflow_version" validate:"required"`
	Configs         []string `yaml:"configs" validate:"dive,required"`
	ExplicitConfigs bool     `yaml:"explicit_configs"`
	NoCache         bool     `yaml:"no_cache"`
	Overlays        []string `yaml:"overlays,omitempty" validate:"dive,required"`

	// WorkDir is the Nextflow launch directory. Empty means the current
	// directory.
	WorkDir string `yaml:"work_dir,omitempty"`

	// LaunchBase is where remote configs are staged, under
	// <job id>/<attempt>.
	LaunchBase string `yaml:"launch_base,omitempty"`

	Executable string `yaml:"executable,omitempty"`
}

type QueueConfig struct {
	Check       bool          `yaml:"check"`
	Wait        bool          `yaml:"wait"`
	WaitTimeout time.Duration `yaml:"wait_timeout" validate:"gte=0"`
	CountJobs   bool          `yaml:"count_jobs"`
}

type StorageConfig struct {
	// ResultsURI receives run artifacts. Empty disables the upload.
	ResultsURI       string `yaml:"results_uri,omitempty" validate:"omitempty,objecturi"`
	FetchConcurrency int    `yaml:"fetch_concurrency" validate:"gte=0,lte=64"`

	// GCSProject and GCSCredentials enable gs:// URIs.
	GCSProject     string `yaml:"gcs_project,omitempty"`
	GCSCredentials string `yaml:"gcs_credentials,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"required,oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir,omitempty"`
}

type DiagnosticsConfig struct {
	TraceExporter string `yaml:"trace_exporter" validate:"required,oneof=none stdout otlp"`
	OTLPEndpoint  string `yaml:"otlp_endpoint,omitempty" validate:"required_if=TraceExporter otlp"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
	MetricsFile   string `yaml:"metrics_file,omitempty"`
}

type WeblogConfig struct {
	Addr string `yaml:"addr" validate:"required"`
	// URL is passed to -with-weblog. Empty leaves the flag bare.
	URL string `yaml:"url,omitempty" validate:"omitempty,url"`
}

// Validate checks the config against its field rules.
//
// # Outputs
//
//   - error: validator.ValidationErrors wrapped with the failing fields
func (c *NfwrapConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s: %w", strings.Join(msgs, "; "), err)
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DefaultConfig returns the config written on first run.
func DefaultConfig() NfwrapConfig {
	return NfwrapConfig{
		AWS: AWSConfig{Region: DefaultRegion},
		Run: RunConfig{
			Queue:           DefaultQueue,
			ErrorStrategy:   DefaultErrorStrategy,
			MaxErrors:       DefaultMaxErrors,
			Project:         DefaultProject,
			Revision:        DefaultRevision,
			PublishDir:      DefaultPublishDir,
			NextflowVersion: DefaultNextflowVersion,
			Configs:         []string{DefaultSampleConfig},
		},
		Queue: QueueConfig{WaitTimeout: 10 * time.Minute},
		Storage: StorageConfig{
			FetchConcurrency: 4,
		},
		Logging:     LoggingConfig{Level: "info"},
		Diagnostics: DiagnosticsConfig{TraceExporter: "none"},
		Weblog:      WeblogConfig{Addr: DefaultWeblogAddr},
	}
}
