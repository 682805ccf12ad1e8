// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package s3store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/storage"
	"github.com/pjongeneel/nextflow-docker/pkg/logging"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeS3 serves HeadObject from sizes and ListObjectsV2 from a flat key
// list, emulating the "/" delimiter and paginating every pageSize entries.
type fakeS3 struct {
	sizes    map[string]int64
	headErr  error
	keys     []string
	pageSize int
	listErr  error

	mu        sync.Mutex
	listCalls []string
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	size, ok := f.sizes[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "Not Found"}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(size)}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	prefix := aws.ToString(in.Prefix)
	f.mu.Lock()
	f.listCalls = append(f.listCalls, prefix)
	f.mu.Unlock()

	// Build the full delimited listing for this prefix.
	type entry struct {
		key      string
		isPrefix bool
	}
	var entries []entry
	seen := map[string]bool{}
	for _, k := range f.keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			cp := prefix + rest[:i+1]
			if !seen[cp] {
				seen[cp] = true
				entries = append(entries, entry{key: cp, isPrefix: true})
			}
			continue
		}
		entries = append(entries, entry{key: k})
	}

	start := 0
	if in.ContinuationToken != nil {
		for i, e := range entries {
			if e.key == aws.ToString(in.ContinuationToken) {
				start = i
				break
			}
		}
	}
	size := f.pageSize
	if size <= 0 {
		size = 1000
	}
	end := start + size
	out := &s3.ListObjectsV2Output{}
	if end < len(entries) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(entries[end].key)
	} else {
		end = len(entries)
		out.IsTruncated = aws.Bool(false)
	}
	for _, e := range entries[start:end] {
		if e.isPrefix {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(e.key)})
		} else {
			out.Contents = append(out.Contents, types.Object{
				Key:          aws.String(e.key),
				Size:         aws.Int64(int64(len(e.key))),
				LastModified: aws.Time(time.Unix(1700000000, 0)),
			})
		}
	}
	return out, nil
}

type fakeUploader struct {
	bodies map[string]string
	err    error
}

func (f *fakeUploader) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.bodies == nil {
		f.bodies = map[string]string{}
	}
	f.bodies[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = string(data)
	return &manager.UploadOutput{}, nil
}

type fakeDownloader struct {
	objects map[string]string
	calls   int
}

func (f *fakeDownloader) Download(ctx context.Context, w io.WriterAt, in *s3.GetObjectInput, _ ...func(*manager.Downloader)) (int64, error) {
	f.calls++
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return 0, &smithy.GenericAPIError{Code: "NoSuchKey"}
	}
	n, err := w.WriteAt([]byte(data), 0)
	return int64(n), err
}

func newStore(api API, up Uploader, down Downloader) *Store {
	return NewWithClients(api, up, down, logging.New(logging.Config{Quiet: true}))
}

// =============================================================================
// Exists Tests
// =============================================================================

func TestStore_Exists(t *testing.T) {
	api := &fakeS3{sizes: map[string]int64{"empty": 0, "full": 12}}
	store := newStore(api, nil, nil)
	ctx := context.Background()

	tests := []struct {
		key     string
		emptyOK bool
		want    bool
	}{
		{"missing", true, false},
		{"missing", false, false},
		{"empty", true, true},
		{"empty", false, false},
		{"full", true, true},
		{"full", false, true},
	}

	for _, tt := range tests {
		got, err := store.Exists(ctx, "bucket", tt.key, tt.emptyOK)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "key=%s emptyOK=%v", tt.key, tt.emptyOK)
	}
}

func TestStore_Exists_ForbiddenIsMissing(t *testing.T) {
	api := &fakeS3{headErr: &smithy.GenericAPIError{Code: "Forbidden"}}
	ok, err := newStore(api, nil, nil).Exists(context.Background(), "b", "k", true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Exists_OtherErrorsPropagate(t *testing.T) {
	boom := errors.New("connection reset")
	api := &fakeS3{headErr: boom}
	_, err := newStore(api, nil, nil).Exists(context.Background(), "b", "k", true)
	assert.True(t, errors.Is(err, boom))
}

// =============================================================================
// Upload Tests
// =============================================================================

func TestStore_Upload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.txt")
	require.NoError(t, os.WriteFile(path, []byte("task_id\tstatus"), 0644))

	api := &fakeS3{sizes: map[string]int64{"runs/trace.txt": 5}}
	up := &fakeUploader{}
	store := newStore(api, up, nil)
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, path, "results", "runs/trace.txt", false))
	assert.Empty(t, up.bodies, "existing object must not be overwritten")

	require.NoError(t, store.Upload(ctx, path, "results", "runs/trace.txt", true))
	assert.Equal(t, "task_id\tstatus", up.bodies["results/runs/trace.txt"])

	require.NoError(t, store.Upload(ctx, path, "results", "runs/new.txt", false))
	assert.Contains(t, up.bodies, "results/runs/new.txt")
}

func TestStore_Upload_MissingFile(t *testing.T) {
	store := newStore(&fakeS3{}, &fakeUploader{}, nil)
	err := store.Upload(context.Background(), filepath.Join(t.TempDir(), "nope"), "b", "k", true)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

// =============================================================================
// Download Tests
// =============================================================================

func TestStore_Download(t *testing.T) {
	down := &fakeDownloader{objects: map[string]string{"nextflow/sample.config": "params.x = 1"}}
	store := newStore(&fakeS3{}, nil, down)
	path := filepath.Join(t.TempDir(), "nested", "dir", "sample.config")
	ctx := context.Background()

	require.NoError(t, store.Download(ctx, path, "pipeline.poc", "nextflow/sample.config", true))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "params.x = 1", string(data))

	require.NoError(t, os.WriteFile(path, []byte("local edit"), 0644))
	require.NoError(t, store.Download(ctx, path, "pipeline.poc", "nextflow/sample.config", false))
	data, _ = os.ReadFile(path)
	assert.Equal(t, "local edit", string(data))
	assert.Equal(t, 1, down.calls)
}

func TestStore_Download_FailureLeavesNoFile(t *testing.T) {
	store := newStore(&fakeS3{}, nil, &fakeDownloader{})
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.config")

	err := store.Download(context.Background(), path, "b", "missing.config", true)
	require.Error(t, err)

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

// =============================================================================
// Walk Tests
// =============================================================================

func TestStore_Walk(t *testing.T) {
	api := &fakeS3{
		keys: []string{
			"runs/",
			"runs/a.txt",
			"runs/b.txt",
			"runs/sub/",
			"runs/sub/c.txt",
			"runs/sub/deeper/d.txt",
			"runs/other/e.txt",
			"elsewhere/x.txt",
		},
		pageSize: 2,
	}
	store := newStore(api, nil, nil)

	objects, err := store.Walk(context.Background(), "bucket", "runs/")
	require.NoError(t, err)

	var keys []string
	for _, o := range objects {
		keys = append(keys, o.Key)
		assert.Equal(t, "bucket", o.Bucket)
		assert.Equal(t, int64(len(o.Key)), o.Size)
		assert.False(t, o.LastModified.IsZero())
	}
	assert.ElementsMatch(t, []string{
		"runs/a.txt",
		"runs/b.txt",
		"runs/sub/c.txt",
		"runs/sub/deeper/d.txt",
		"runs/other/e.txt",
	}, keys)
	assert.Contains(t, api.listCalls, "runs/sub/deeper/")
}

func TestStore_Walk_InvalidPrefix(t *testing.T) {
	store := newStore(&fakeS3{}, nil, nil)
	for _, prefix := range []string{"runs", "/runs/", ""} {
		_, err := store.Walk(context.Background(), "b", prefix)
		assert.True(t, errors.Is(err, storage.ErrInvalidPrefix), prefix)
	}
}

func TestStore_Walk_ListError(t *testing.T) {
	boom := errors.New("throttled")
	_, err := newStore(&fakeS3{listErr: boom}, nil, nil).Walk(context.Background(), "b", "runs/")
	assert.True(t, errors.Is(err, boom))
}
