// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LevelDebug.toSlogLevel())
	assert.Equal(t, slog.LevelError, LevelError.toSlogLevel())
	assert.Equal(t, slog.LevelInfo, Level(42).toSlogLevel(), "unknown levels fall back to info")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"", LevelInfo, false},
		{"info", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" warn ", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.in)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Output Tests
// =============================================================================

func TestNew_TextOutputRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})
	defer logger.Close()

	logger.Info("hidden")
	logger.Warn("shown", "queue", "JobQueue-1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "queue=JobQueue-1")
}

func TestNew_JSONOutputIncludesService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{JSON: true, Service: "nfwrap", Output: &buf})
	defer logger.Close()

	logger.Info("launching", "executable", "nextflow")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "launching", record["msg"])
	assert.Equal(t, "nfwrap", record["service"])
	assert.Equal(t, "nextflow", record["executable"])
}

func TestNew_QuietWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Output: &buf})
	defer logger.Close()

	logger.Error("nobody hears this")
	assert.Zero(t, buf.Len())
}

func TestNew_LogDirCreatesJSONFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	logger := New(Config{LogDir: dir, Service: "nfwrap-test", Quiet: true})

	logger.Info("written to file", "attempt", 1)
	require.NoError(t, logger.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "nfwrap-test_*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"written to file"`)
}

func TestNew_UnwritableLogDirFallsBack(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &buf})
	defer logger.Close()

	logger.Info("still logged")
	assert.Contains(t, buf.String(), "still logged")
}

// =============================================================================
// Exporter Tests
// =============================================================================

func TestLogger_ExporterReceivesChildAttrs(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Service: "nfwrap", Exporter: exporter})

	child := logger.With("run_id", "abc")
	child.Info("stage complete", "stage", "render")
	logger.Debug("filtered by level")

	entries := exporter.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "stage complete", entries[0].Message)
	assert.Equal(t, LevelInfo, entries[0].Level)
	assert.Equal(t, "nfwrap", entries[0].Service)
	assert.Equal(t, "abc", entries[0].Attrs["run_id"])
	assert.Equal(t, "render", entries[0].Attrs["stage"])

	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close(), "Close must be idempotent")
}

// =============================================================================
// Context Tests
// =============================================================================

func TestFromContext(t *testing.T) {
	assert.Same(t, Default(), FromContext(context.Background()))

	var buf bytes.Buffer
	logger := New(Config{Output: &buf})
	ctx := WithContext(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))

	FromContext(ctx).Info("via context")
	assert.True(t, strings.Contains(buf.String(), "via context"))
}

func TestSetDefault(t *testing.T) {
	original := Default()
	t.Cleanup(func() { SetDefault(original) })

	var buf bytes.Buffer
	replacement := New(Config{Output: &buf})
	SetDefault(replacement)
	SetDefault(nil)

	assert.Same(t, replacement, Default())
	slog.Info("through slog")
	assert.Contains(t, buf.String(), "through slog")
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestArgsToMap(t *testing.T) {
	got := argsToMap([]any{"a", 1, 2, "ignored", "dangling"})
	assert.Equal(t, map[string]any{"a": 1}, got)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".nfwrap/logs"), expandPath("~/.nfwrap/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
}
