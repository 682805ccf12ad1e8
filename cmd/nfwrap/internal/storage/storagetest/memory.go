// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storagetest provides an in-memory storage.ObjectStore for tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/storage"
)

// ErrNoSuchKey is returned by Download for missing objects.
var ErrNoSuchKey = errors.New("no such key")

// MemoryStore keeps objects in a map keyed by "bucket/key".
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// FailDownload, when set, is returned by Download for that key.
	FailDownload map[string]error

	Uploads   []string
	Downloads []string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte), FailDownload: make(map[string]error)}
}

// Put stores data at bucket/key.
func (m *MemoryStore) Put(bucket, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
}

// Get returns the object at bucket/key.
func (m *MemoryStore) Get(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	return data, ok
}

// Exists implements storage.ObjectStore.
func (m *MemoryStore) Exists(ctx context.Context, bucket, key string, emptyOK bool) (bool, error) {
	data, ok := m.Get(bucket, key)
	if !ok {
		return false, nil
	}
	return emptyOK || len(data) > 0, nil
}

// Upload implements storage.ObjectStore.
func (m *MemoryStore) Upload(ctx context.Context, path, bucket, key string, overwrite bool) error {
	if !overwrite {
		if _, ok := m.Get(bucket, key); ok {
			return nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m.Put(bucket, key, data)
	m.mu.Lock()
	m.Uploads = append(m.Uploads, bucket+"/"+key)
	m.mu.Unlock()
	return nil
}

// Download implements storage.ObjectStore.
func (m *MemoryStore) Download(ctx context.Context, path, bucket, key string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
	m.mu.Lock()
	failure := m.FailDownload[key]
	m.mu.Unlock()
	if failure != nil {
		return failure
	}
	data, ok := m.Get(bucket, key)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNoSuchKey, bucket, key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	m.mu.Lock()
	m.Downloads = append(m.Downloads, bucket+"/"+key)
	m.mu.Unlock()
	return nil
}

// Walk implements storage.ObjectStore.
func (m *MemoryStore) Walk(ctx context.Context, bucket, prefix string) ([]storage.Object, error) {
	if err := storage.ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []storage.Object
	for full, data := range m.objects {
		b, key, _ := strings.Cut(full, "/")
		if b != bucket || !strings.HasPrefix(key, prefix) || strings.HasSuffix(key, "/") {
			continue
		}
		out = append(out, storage.Object{Bucket: b, Key: key, Size: int64(len(data)), LastModified: time.Unix(0, 0)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

var _ storage.ObjectStore = (*MemoryStore)(nil)
