// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package s3store implements storage.ObjectStore on Amazon S3.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/storage"
	"github.com/pjongeneel/nextflow-docker/pkg/logging"
)

// API is the subset of *s3.Client used by Store.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Uploader is the subset of *manager.Uploader used by Store.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Downloader is the subset of *manager.Downloader used by Store.
type Downloader interface {
	Download(ctx context.Context, w io.WriterAt, input *s3.GetObjectInput, options ...func(*manager.Downloader)) (int64, error)
}

// Store is an S3-backed storage.ObjectStore.
type Store struct {
	api        API
	uploader   Uploader
	downloader Downloader
	logger     *logging.Logger
}

// New creates a Store from an S3 client, using the transfer manager for
// multipart uploads and parallel ranged downloads.
func New(client *s3.Client, logger *logging.Logger) *Store {
	return NewWithClients(client, manager.NewUploader(client), manager.NewDownloader(client), logger)
}

// NewWithClients creates a Store from explicit clients.
func NewWithClients(api API, uploader Uploader, downloader Downloader, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{api: api, uploader: uploader, downloader: downloader, logger: logger}
}

// Exists reports whether s3://bucket/key exists.
//
// # Description
//
// Issues a HeadObject. 404 (NotFound, NoSuchKey) and 403 are treated as
// "does not exist": without s3:ListBucket permission S3 answers HEAD on a
// missing key with 403. Any other failure is returned.
//
// # Outputs
//
//   - bool: true if the object exists and is non-empty, or is empty and
//     emptyOK is set
//   - error: Non-404/403 API or transport errors
func (s *Store) Exists(ctx context.Context, bucket, key string, emptyOK bool) (bool, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head s3://%s/%s: %w", bucket, key, err)
	}
	return emptyOK || aws.ToInt64(out.ContentLength) > 0, nil
}

// Upload copies path to s3://bucket/key.
func (s *Store) Upload(ctx context.Context, path, bucket, key string, overwrite bool) error {
	if !overwrite {
		exists, err := s.Exists(ctx, bucket, key, true)
		if err != nil {
			return err
		}
		if exists {
			s.logger.Info("object exists, skipping upload", "bucket", bucket, "key", key)
			return nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	start := time.Now()
	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("upload %s to s3://%s/%s: %w", path, bucket, key, err)
	}
	s.logger.Debug("uploaded", "path", path, "bucket", bucket, "key", key, "duration", time.Since(start))
	return nil
}

// Download copies s3://bucket/key to path.
//
// The object is written to a temporary file next to path and renamed into
// place, so a failed transfer never leaves a truncated config behind.
func (s *Store) Download(ctx context.Context, path, bucket, key string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			s.logger.Info("file exists, skipping download", "path", path)
			return nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	start := time.Now()
	n, err := s.downloader.Download(ctx, tmp, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	s.logger.Debug("downloaded", "bucket", bucket, "key", key, "path", path, "bytes", n, "duration", time.Since(start))
	return nil
}

// Walk lists every object under s3://bucket/prefix.
//
// # Description
//
// Lists one "/"-delimited level at a time and recurses into every common
// prefix, so folder placeholder keys (ending in "/") are never returned.
// Results are in listing order: a level's own keys, then its children.
func (s *Store) Walk(ctx context.Context, bucket, prefix string) ([]storage.Object, error) {
	if err := storage.ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	var out []storage.Object
	if err := s.walk(ctx, bucket, prefix, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) walk(ctx context.Context, bucket, prefix string, out *[]storage.Object) error {
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var children []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			*out = append(*out, storage.Object{
				Bucket:       bucket,
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		for _, cp := range page.CommonPrefixes {
			children = append(children, aws.ToString(cp.Prefix))
		}
	}

	for _, child := range children {
		if child == prefix {
			continue
		}
		if err := s.walk(ctx, bucket, child, out); err != nil {
			return err
		}
	}
	return nil
}

// isNotFound reports whether err is a 404 or 403 from S3.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket", "Forbidden", "AccessDenied":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		return code == http.StatusNotFound || code == http.StatusForbidden
	}
	return false
}

var _ storage.ObjectStore = (*Store)(nil)
