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
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------
// Load
// -----------------------------------------------------------------------------

func TestLoad_CreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "nfwrap.yaml")
	var notice bytes.Buffer

	cfg, err := Load(path, &notice)
	require.NoError(t, err)
	assert.Contains(t, notice.String(), "First run detected")
	assert.Equal(t, DefaultConfig(), *cfg)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk NfwrapConfig
	require.NoError(t, yaml.Unmarshal(data, &onDisk))
	assert.Equal(t, DefaultQueue, onDisk.Run.Queue)
	assert.Equal(t, 10*time.Minute, onDisk.Queue.WaitTimeout)

	notice.Reset()
	_, err = Load(path, &notice)
	require.NoError(t, err)
	assert.Empty(t, notice.String(), "second load finds the file")
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nfwrap.yaml")
	content := `
run:
  queue: my-queue
  error_strategy: terminate
  configs:
    - s3://bucket/a.config
    - /local/b.config
queue:
  wait_timeout: 90s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "my-queue", cfg.Run.Queue)
	assert.Equal(t, "terminate", cfg.Run.ErrorStrategy)
	assert.Equal(t, []string{"s3://bucket/a.config", "/local/b.config"}, cfg.Run.Configs)
	assert.Equal(t, 90*time.Second, cfg.Queue.WaitTimeout)
	assert.Equal(t, DefaultProject, cfg.Run.Project)
	assert.Equal(t, DefaultRegion, cfg.AWS.Region)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad yaml", "run: [", "failed to parse"},
		{"bad strategy", "run:\n  error_strategy: explode\n", "ErrorStrategy"},
		{"bad level", "logging:\n  level: loud\n", "Level"},
		{"otlp without endpoint", "diagnostics:\n  trace_exporter: otlp\n", "OTLPEndpoint"},
		{"bad results uri", "storage:\n  results_uri: /tmp/results\n", "ResultsURI"},
		{"bad role", "aws:\n  role_arn: admin\n", "RoleARN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nfwrap.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			_, err := Load(path, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// -----------------------------------------------------------------------------
// Paths
// -----------------------------------------------------------------------------

func TestResolvePath(t *testing.T) {
	env := func(v string) func(string) string {
		return func(key string) string {
			if key == EnvConfigPath {
				return v
			}
			return ""
		}
	}

	p, err := ResolvePath("/flag.yaml", env("/env.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/flag.yaml", p)

	p, err = ResolvePath("", env("/env.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/env.yaml", p)

	t.Setenv("HOME", "/home/tester")
	p, err = ResolvePath("", env(""))
	require.NoError(t, err)
	assert.Equal(t, "/home/tester/.nfwrap/nfwrap.yaml", p)
}

// -----------------------------------------------------------------------------
// Validate
// -----------------------------------------------------------------------------

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Contains(t, ErrorStrategies, cfg.Run.ErrorStrategy)
}

func TestValidate_ObjectURI(t *testing.T) {
	tests := []struct {
		uri   string
		valid bool
	}{
		{"s3://bucket/prefix", true},
		{"gs://bucket", true},
		{"S3://Bucket/x", true},
		{"s3://", false},
		{"https://bucket/x", false},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Storage.ResultsURI = tt.uri
			if tt.valid {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}
