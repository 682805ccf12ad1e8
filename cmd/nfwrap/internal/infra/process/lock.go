// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// LockConfig configures a Lock.
type LockConfig struct {
	// LockDir holds the lock file. Default: os.TempDir().
	LockDir string

	// LockName is the lock file's base name, ".lock" is appended.
	// Default: "nfwrap".
	LockName string

	// Owner identifies the holder in the error other launches see,
	// typically the run ID.
	Owner string
}

// LockHolder is written into the lock file by whoever holds it.
type LockHolder struct {
	PID   int       `json:"pid"`
	Host  string    `json:"host,omitempty"`
	Owner string    `json:"owner,omitempty"`
	Since time.Time `json:"since"`
}

// Lock is an exclusive, non-blocking flock(2) on {LockDir}/{LockName}.lock.
//
// # Description
//
// Nextflow keeps its cache and history under the launch directory
// (.nextflow/, work/), and two launches resuming in the same directory
// corrupt each other's cache DB. The pipeline holds this lock on the work
// directory for the duration of a run.
//
// The holder's LockHolder is stored as JSON in the lock file itself. The
// file is left in place on release; only the flock matters, and the
// kernel drops it when the holding process dies.
//
// # Limitations
//
//   - Advisory only
//   - Unreliable on NFS; EFS-backed work dirs are fine
type Lock struct {
	cfg  LockConfig
	path string
	file *os.File
}

// NewLock creates a Lock. It does not acquire it.
func NewLock(cfg LockConfig) *Lock {
	if cfg.LockDir == "" {
		cfg.LockDir = os.TempDir()
	}
	if cfg.LockName == "" {
		cfg.LockName = "nfwrap"
	}
	return &Lock{cfg: cfg, path: filepath.Join(cfg.LockDir, cfg.LockName+".lock")}
}

// Acquire takes the lock, or returns *ErrLockHeld when another open file
// description holds it. Acquiring a held Lock again is a no-op.
func (l *Lock) Acquire() error {
	if l.file != nil {
		return nil
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", l.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := readHolder(f)
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &ErrLockHeld{Holder: holder, Path: l.path}
		}
		return fmt.Errorf("flock %s: %w", l.path, err)
	}

	host, _ := os.Hostname()
	holder, _ := json.Marshal(LockHolder{PID: os.Getpid(), Host: host, Owner: l.cfg.Owner, Since: time.Now().UTC()})
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt(append(holder, '\n'), 0)
	}

	l.file = f
	return nil
}

// Release drops the lock. Releasing an unheld Lock is a no-op.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	_ = f.Truncate(0)
	err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("release %s: %w", l.path, err)
	}
	return nil
}

// Held reports whether this Lock holds the flock.
func (l *Lock) Held() bool {
	return l.file != nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

func readHolder(r io.Reader) LockHolder {
	var h LockHolder
	_ = json.NewDecoder(r).Decode(&h)
	return h
}

// ErrLockHeld is returned by Acquire when another launch holds the lock.
type ErrLockHeld struct {
	Holder LockHolder
	Path   string
}

func (e *ErrLockHeld) Error() string {
	h := e.Holder
	switch {
	case h.PID == 0:
		return fmt.Sprintf("another nfwrap launch is using this work directory (lock %s)", e.Path)
	case h.Owner != "":
		return fmt.Sprintf("another nfwrap launch is using this work directory (run %s, PID %d on %s since %s)",
			h.Owner, h.PID, h.Host, h.Since.Format(time.RFC3339))
	default:
		return fmt.Sprintf("another nfwrap launch is using this work directory (PID %d on %s)", h.PID, h.Host)
	}
}
