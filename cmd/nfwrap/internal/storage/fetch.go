// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/pjongeneel/nextflow-docker/pkg/logging"
)

// DefaultLaunchBase is where configs are staged inside the head-node
// container.
const DefaultLaunchBase = "/nextflow/master"

// DefaultFetchConcurrency bounds parallel downloads.
const DefaultFetchConcurrency = 4

var (
	// ErrUnsafeKey is returned when a key would resolve outside the root.
	ErrUnsafeKey = errors.New("object key escapes launch root")

	// ErrKeyCollision is returned when two different URIs would be
	// staged at the same local path.
	ErrKeyCollision = errors.New("object keys collide in launch root")
)

// LaunchRoot returns <base>/<AWS_BATCH_JOB_ID>/<AWS_BATCH_JOB_ATTEMPT>.
//
// Outside of AWS Batch the variables are unset and "local" / "1" are used,
// so a laptop run stages into <base>/local/1.
func LaunchRoot(base string, getenv func(string) string) string {
	if base == "" {
		base = DefaultLaunchBase
	}
	jobID := getenv("AWS_BATCH_JOB_ID")
	if jobID == "" {
		jobID = "local"
	}
	attempt := getenv("AWS_BATCH_JOB_ATTEMPT")
	if attempt == "" {
		attempt = "1"
	}
	return filepath.Join(base, jobID, attempt)
}

// Fetcher downloads remote config files into a local root.
type Fetcher struct {
	Router      *Router
	Concurrency int
	Logger      *logging.Logger
}

// FetchAll downloads every URI to root/<key> and returns the local paths in
// input order.
//
// # Description
//
// Downloads run concurrently, at most Concurrency at a time, and always
// overwrite. The first failure cancels the remaining downloads. A URI
// listed twice is downloaded once; two different URIs with the same key
// (in different buckets or schemes) are rejected with ErrKeyCollision
// before anything is downloaded.
//
// # Inputs
//
//   - ctx: Cancels in-flight downloads
//   - uris: s3:// or gs:// URIs; anything else is an error
//   - root: Local staging directory (see LaunchRoot)
//
// # Outputs
//
//   - []string: Local paths, paths[i] corresponds to uris[i]
//   - error: Parse, routing or download error
//
// # Examples
//
//	paths, err := fetcher.FetchAll(ctx, []string{"s3://pipeline.poc/nextflow/sample.config"}, root)
//	// paths[0] == root + "/nextflow/sample.config"
func (f *Fetcher) FetchAll(ctx context.Context, uris []string, root string) ([]string, error) {
	logger := f.Logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}

	type job struct {
		store ObjectStore
		uri   URI
		dest  string
	}
	jobs := make([]job, 0, len(uris))
	paths := make([]string, len(uris))
	staged := make(map[string]URI, len(uris))
	for i, raw := range uris {
		store, uri, err := f.Router.Resolve(raw)
		if err != nil {
			return nil, err
		}
		dest, err := localPath(root, uri.Key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", raw, err)
		}
		paths[i] = dest
		if prev, ok := staged[dest]; ok {
			if prev == uri {
				continue
			}
			return nil, fmt.Errorf("%w: %s and %s both stage to %s", ErrKeyCollision, prev, uri, dest)
		}
		staged[dest] = uri
		jobs = append(jobs, job{store: store, uri: uri, dest: dest})
	}

	limit := f.Concurrency
	if limit <= 0 {
		limit = DefaultFetchConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, j := range jobs {
		g.Go(func() error {
			logger.Info("Downloading config", "uri", j.uri.String(), "dest", j.dest)
			if err := j.store.Download(gctx, j.dest, j.uri.Bucket, j.uri.Key, true); err != nil {
				return fmt.Errorf("download %s: %w", j.uri, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func localPath(root, key string) (string, error) {
	dest := filepath.Join(root, filepath.FromSlash(key))
	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeKey, key)
	}
	return dest, nil
}
