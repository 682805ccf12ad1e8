// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcs implements the object store for gs:// URIs on Google Cloud
// Storage, so configs and result prefixes can live in either cloud.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	objstore "github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/storage"
	"github.com/pjongeneel/nextflow-docker/pkg/logging"
)

// Client is a GCS-backed object store.
type Client struct {
	storageClient *storage.Client
	ProjectId     string
	logger        *logging.Logger
}

// NewClient creates a GCS client.
//
// # Description
//
// With a saKeyPath the client authenticates with that service-account key
// file. With an empty saKeyPath it falls back to Application Default
// Credentials (GOOGLE_APPLICATION_CREDENTIALS, gcloud, metadata server).
//
// # Inputs
//
//   - ctx: Context for client creation
//   - projectId: GCP project, informational
//   - saKeyPath: Service-account JSON key path, or "" for ADC
//   - logger: Logger, nil for the default
//
// # Outputs
//
//   - *Client: Ready client; call Close when done
//   - error: Missing key file or client construction failure
func NewClient(ctx context.Context, projectId, saKeyPath string, logger *logging.Logger) (*Client, error) {
	var opts []option.ClientOption
	if saKeyPath != "" {
		info, err := os.Stat(saKeyPath)
		if err != nil {
			return nil, fmt.Errorf("service account key not found at path: %s: %w", saKeyPath, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("service account key path is a directory: %s", saKeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(saKeyPath))
	}

	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	if logger == nil {
		logger = logging.Default()
	}
	return &Client{storageClient: storageClient, ProjectId: projectId, logger: logger}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	if c.storageClient == nil {
		return nil
	}
	return c.storageClient.Close()
}

// Exists reports whether gs://bucket/key exists.
func (c *Client) Exists(ctx context.Context, bucket, key string, emptyOK bool) (bool, error) {
	if c.storageClient == nil {
		return false, errors.New("gcs client not initialised")
	}
	attrs, err := c.storageClient.Bucket(bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat gs://%s/%s: %w", bucket, key, err)
	}
	return emptyOK || attrs.Size > 0, nil
}

// Upload copies localPath to gs://bucket/key.
func (c *Client) Upload(ctx context.Context, localPath, bucket, key string, overwrite bool) error {
	if !overwrite {
		exists, err := c.Exists(ctx, bucket, key, true)
		if err != nil {
			return err
		}
		if exists {
			c.logger.Info("object exists, skipping upload", "bucket", bucket, "key", key)
			return nil
		}
	}

	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open the local file: %s: %w", localPath, err)
	}
	defer localFile.Close()

	if c.storageClient == nil {
		return errors.New("gcs client not initialised")
	}

	obj := c.storageClient.Bucket(bucket).Object(key)
	err = writeObject(ctx, localFile, func(wctx context.Context) objectWriter {
		writer := obj.NewWriter(wctx)
		writer.ContentType = "application/octet-stream"
		writer.CacheControl = "no-cache, no-store, must-revalidate"
		return writer
	})
	if err != nil {
		return fmt.Errorf("failed to upload local file %s to gs://%s/%s: %w", localPath, bucket, key, err)
	}
	c.logger.Debug("uploaded", "path", localPath, "bucket", bucket, "key", key)
	return nil
}

// objectWriter is the part of *storage.Writer that writeObject drives.
type objectWriter interface {
	io.Writer
	Close() error
}

// writeObject streams src into a writer opened on a cancellable child of
// ctx. A failed copy cancels that context before Close, so GCS discards
// the partial upload instead of finalizing a truncated object.
func writeObject(ctx context.Context, src io.Reader, open func(context.Context) objectWriter) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := open(wctx)
	if _, err := io.Copy(writer, src); err != nil {
		cancel()
		_ = writer.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Download copies gs://bucket/key to localPath via a temp file.
func (c *Client) Download(ctx context.Context, localPath, bucket, key string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(localPath); err == nil {
			c.logger.Info("file exists, skipping download", "path", localPath)
			return nil
		}
	}
	if c.storageClient == nil {
		return errors.New("gcs client not initialised")
	}

	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	reader, err := c.storageClient.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("open gs://%s/%s: %w", bucket, key, err)
	}
	defer reader.Close()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(localPath)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, reader)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("download gs://%s/%s: %w", bucket, key, err)
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return fmt.Errorf("rename to %s: %w", localPath, err)
	}
	c.logger.Debug("downloaded", "bucket", bucket, "key", key, "path", localPath, "bytes", n)
	return nil
}

// Walk lists every object under gs://bucket/prefix, one "/" level at a
// time, skipping folder placeholders.
func (c *Client) Walk(ctx context.Context, bucket, prefix string) ([]objstore.Object, error) {
	if err := objstore.ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	if c.storageClient == nil {
		return nil, errors.New("gcs client not initialised")
	}
	var out []objstore.Object
	if err := c.walk(ctx, bucket, prefix, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) walk(ctx context.Context, bucket, prefix string, out *[]objstore.Object) error {
	it := c.storageClient.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})

	var children []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("list gs://%s/%s: %w", bucket, prefix, err)
		}
		if attrs.Prefix != "" {
			if attrs.Prefix != prefix {
				children = append(children, attrs.Prefix)
			}
			continue
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		*out = append(*out, objstore.Object{
			Bucket:       bucket,
			Key:          attrs.Name,
			Size:         attrs.Size,
			LastModified: attrs.Updated,
		})
	}

	for _, child := range children {
		if err := c.walk(ctx, bucket, child, out); err != nil {
			return err
		}
	}
	return nil
}

var _ objstore.ObjectStore = (*Client)(nil)
