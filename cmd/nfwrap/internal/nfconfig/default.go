// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package nfconfig

import "path"

// Defaults for the head-node container image.
const (
	DefaultAWSCLIPath      = "/miniconda/bin/aws"
	DefaultNextflowRoot    = "/nextflow"
	DefaultQueueSize       = 5000
	DefaultSubmitRateLimit = "1 sec"
	DefaultPublishMode     = "symlink"
)

// DefaultVolumes are the host paths mounted into every Batch task.
var DefaultVolumes = []string{"/resource", "/nextflow"}

// DefaultOptions are the run-specific inputs to Default.
type DefaultOptions struct {
	Queue         string
	ErrorStrategy string
	MaxErrors     int
	PublishDir    string
	Region        string

	// WorkDir defaults to /nextflow/work.
	WorkDir string

	// CLIPath defaults to DefaultAWSCLIPath.
	CLIPath string

	// Volumes defaults to DefaultVolumes.
	Volumes []string
}

// Default builds the base config every launch starts from: report,
// timeline, trace (raw) and weblog enabled; the awsbatch executor with
// lenient caching on the given queue; symlinked publishDir; the AWS CLI
// path and volumes the Batch AMI provides.
func Default(opts DefaultOptions) Map {
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = path.Join(DefaultNextflowRoot, "work")
	}
	cliPath := opts.CLIPath
	if cliPath == "" {
		cliPath = DefaultAWSCLIPath
	}
	volumes := opts.Volumes
	if volumes == nil {
		volumes = DefaultVolumes
	}
	vols := make([]any, len(volumes))
	for i, v := range volumes {
		vols[i] = v
	}

	return Map{
		"report":   Map{"enabled": true},
		"timeline": Map{"enabled": true},
		"trace":    Map{"enabled": true, "raw": true},
		"weblog":   Map{"enabled": true},
		"process": Map{
			"executor":      "awsbatch",
			"cache":         "lenient",
			"queue":         opts.Queue,
			"errorStrategy": opts.ErrorStrategy,
			"maxErrors":     opts.MaxErrors,
			"publishDir": Map{
				"path":    opts.PublishDir,
				"mode":    DefaultPublishMode,
				"enabled": true,
			},
		},
		"aws": Map{
			"batch": Map{
				"cliPath": cliPath,
				"volumes": vols,
			},
			"region": opts.Region,
		},
		"executor": Map{
			"queueSize":       DefaultQueueSize,
			"submitRateLimit": DefaultSubmitRateLimit,
		},
		"workDir": workDir,
	}
}

// Merge deep-merges overlay onto base and returns the result. Nested maps
// merge key by key; any other overlay value replaces the base value. The
// inputs are not modified.
func Merge(base, overlay Map) Map {
	out := make(Map, len(base)+len(overlay))
	for k, v := range base {
		out[k] = cloneValue(v)
	}
	for k, v := range overlay {
		if om, ok := v.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = Merge(bm, om)
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return Merge(x, nil)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
