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
Package storage defines the object-storage abstraction nfwrap fetches
configs from and publishes run artifacts to.

# Overview

  - ObjectStore: exists/upload/download/walk over one provider
  - URI: parsed "s3://bucket/key" or "gs://bucket/key"
  - Router: picks the ObjectStore for a URI's scheme
  - Fetcher: downloads a list of URIs in parallel into a launch root

Implementations live in s3store (aws-sdk-go-v2) and cmd/nfwrap/gcs
(cloud.google.com/go/storage).
*/
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Sentinel errors.
var (
	// ErrInvalidURI is returned by ParseURI for malformed URIs.
	ErrInvalidURI = errors.New("invalid object storage URI")

	// ErrInvalidPrefix is returned by Walk when the prefix does not end in
	// "/" or starts with "/".
	ErrInvalidPrefix = errors.New("invalid prefix: must end with '/' and must not start with '/'")

	// ErrUnsupportedScheme is returned by Router for unregistered schemes.
	ErrUnsupportedScheme = errors.New("unsupported storage scheme")
)

// Supported URI schemes.
const (
	SchemeS3  = "s3"
	SchemeGCS = "gs"
)

// =============================================================================
// ObjectStore
// =============================================================================

// Object describes a stored object returned by Walk.
type Object struct {
	Bucket       string
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore is the per-provider storage interface.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; Fetcher calls Download
// from several goroutines.
type ObjectStore interface {
	// Exists reports whether bucket/key exists. A missing object (or one
	// the caller may not HEAD) is (false, nil). A zero-length object counts
	// as existing only when emptyOK is true.
	Exists(ctx context.Context, bucket, key string, emptyOK bool) (bool, error)

	// Upload copies the local file at path to bucket/key. When overwrite is
	// false and the object exists, the upload is skipped.
	Upload(ctx context.Context, path, bucket, key string, overwrite bool) error

	// Download copies bucket/key to the local path, creating parent
	// directories. When overwrite is false and path exists, the download
	// is skipped.
	Download(ctx context.Context, path, bucket, key string, overwrite bool) error

	// Walk lists every object under prefix, descending through "/"
	// delimited levels. Keys ending in "/" (folder placeholders) are
	// omitted. prefix must satisfy ValidatePrefix.
	Walk(ctx context.Context, bucket, prefix string) ([]Object, error)
}

// ValidatePrefix enforces the Walk prefix rules: non-empty, ends with "/",
// does not start with "/".
func ValidatePrefix(prefix string) error {
	if !strings.HasSuffix(prefix, "/") || strings.HasPrefix(prefix, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix)
	}
	return nil
}

// =============================================================================
// URI
// =============================================================================

// URI is a parsed object storage location.
type URI struct {
	Scheme string
	Bucket string
	Key    string
}

// String returns "scheme://bucket/key".
func (u URI) String() string {
	return fmt.Sprintf("%s://%s/%s", u.Scheme, u.Bucket, u.Key)
}

// ParseURI parses "s3://bucket/key" or "gs://bucket/key". Bucket and key
// are both required; the key is everything after the first "/" following
// the bucket, verbatim.
func ParseURI(s string) (URI, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return URI{}, fmt.Errorf("%w: %q has no scheme", ErrInvalidURI, s)
	}
	scheme = strings.ToLower(scheme)
	if scheme != SchemeS3 && scheme != SchemeGCS {
		return URI{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return URI{}, fmt.Errorf("%w: %q needs both bucket and key", ErrInvalidURI, s)
	}
	return URI{Scheme: scheme, Bucket: bucket, Key: key}, nil
}

// IsRemote reports whether s looks like an object storage URI.
func IsRemote(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, SchemeS3+"://") || strings.HasPrefix(lower, SchemeGCS+"://")
}

// =============================================================================
// Router
// =============================================================================

// Router maps URI schemes to ObjectStores.
type Router struct {
	mu     sync.RWMutex
	stores map[string]ObjectStore
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{stores: make(map[string]ObjectStore)}
}

// Register associates scheme with store, replacing any previous store.
func (r *Router) Register(scheme string, store ObjectStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[strings.ToLower(scheme)] = store
}

// Store returns the store for scheme.
func (r *Router) Store(scheme string) (ObjectStore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	store, ok := r.stores[strings.ToLower(scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: no store registered for %q", ErrUnsupportedScheme, scheme)
	}
	return store, nil
}

// Resolve parses s and returns its store.
func (r *Router) Resolve(s string) (ObjectStore, URI, error) {
	uri, err := ParseURI(s)
	if err != nil {
		return nil, URI{}, err
	}
	store, err := r.Store(uri.Scheme)
	if err != nil {
		return nil, URI{}, err
	}
	return store, uri, nil
}
