// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package project fetches pipeline projects from git hosts.
//
// Access tokens are kept in an encrypted memguard enclave between calls and
// are scrubbed from every error and log line this package produces.
package project

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/infra/process"
	"github.com/pjongeneel/nextflow-docker/pkg/logging"
)

// GitBinary is the git executable Cloner runs.
const GitBinary = "git"

// TokenUser is the username paired with access tokens in clone URLs.
const TokenUser = "x-access-token"

const redacted = "***"

// ErrDestinationNotEmpty is returned when the clone target already has files.
var ErrDestinationNotEmpty = errors.New("clone destination is not empty")

// InjectToken returns rawURL with TokenUser:token as its userinfo.
//
// Only https URLs are rewritten. ssh, scp-style, file and unparseable URLs
// are returned unchanged, as is any URL when token is empty.
func InjectToken(rawURL, token string) string {
	if token == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return rawURL
	}
	u.User = url.UserPassword(TokenUser, token)
	return u.String()
}

// Redact replaces every occurrence of token in s, raw or URL-escaped.
func Redact(s, token string) string {
	if token == "" {
		return s
	}
	s = strings.ReplaceAll(s, token, redacted)
	escaped := strings.TrimPrefix(url.UserPassword("x", token).String(), "x:")
	if escaped != token {
		s = strings.ReplaceAll(s, escaped, redacted)
	}
	return s
}

// CloneOptions configures Clone.
type CloneOptions struct {
	URL      string
	Revision string
	Dest     string
	Token    string

	// Depth > 0 makes a shallow clone.
	Depth int
}

// Cloner clones projects through a process.Manager.
type Cloner struct {
	proc   process.Manager
	logger *logging.Logger
}

// NewCloner creates a Cloner.
func NewCloner(proc process.Manager, logger *logging.Logger) *Cloner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Cloner{proc: proc, logger: logger}
}

// Clone clones opts.URL into opts.Dest and checks out opts.Revision.
//
// # Description
//
// The token is moved into a memguard enclave as soon as Clone is called.
// It is decrypted only to run git clone and to scrub error text. A shallow clone whose
// revision is not on the default branch fetches that revision explicitly
// before checking it out.
//
// # Outputs
//
//   - string: The commit checked out (git rev-parse HEAD)
//   - error: Validation failure or a *process.CommandError with the token
//     scrubbed from its command line and stderr
func (c *Cloner) Clone(ctx context.Context, opts CloneOptions) (string, error) {
	if opts.URL == "" {
		return "", errors.New("clone URL is required")
	}
	if opts.Dest == "" {
		return "", errors.New("clone destination is required")
	}
	if err := checkDestination(opts.Dest); err != nil {
		return "", err
	}

	var enclave *memguard.Enclave
	if opts.Token != "" {
		enclave = memguard.NewEnclave([]byte(opts.Token))
	}
	opts.Token = ""

	args := []string{"clone", "--quiet"}
	if opts.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(opts.Depth))
	}
	args = append(args, "--", opts.URL, opts.Dest)

	c.logger.Info("Cloning project", "url", opts.URL, "dest", opts.Dest, "revision", opts.Revision)
	if err := c.runClone(ctx, args, enclave); err != nil {
		return "", fmt.Errorf("git clone: %w", err)
	}

	if opts.Revision != "" {
		if err := c.checkout(ctx, opts, enclave); err != nil {
			return "", err
		}
	}

	out, err := c.proc.Run(ctx, GitBinary, "-C", opts.Dest, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", redactError(err, enclave))
	}
	commit := strings.TrimSpace(string(out))
	c.logger.Debug("Project checked out", "dest", opts.Dest, "commit", commit)
	return commit, nil
}

// runClone decrypts the token only for the duration of the git call.
// args carries the plain URL; the token goes into a copy.
func (c *Cloner) runClone(ctx context.Context, args []string, enclave *memguard.Enclave) error {
	if enclave == nil {
		_, err := c.proc.Run(ctx, GitBinary, args...)
		return err
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("open token enclave: %w", err)
	}
	withToken := append([]string(nil), args...)
	urlIdx := len(withToken) - 2
	withToken[urlIdx] = InjectToken(withToken[urlIdx], buf.String())
	_, err = c.proc.Run(ctx, GitBinary, withToken...)
	buf.Destroy()
	return redactError(err, enclave)
}

func (c *Cloner) checkout(ctx context.Context, opts CloneOptions, enclave *memguard.Enclave) error {
	_, err := c.proc.Run(ctx, GitBinary, "-C", opts.Dest, "checkout", "--quiet", opts.Revision)
	if err == nil {
		return nil
	}
	if opts.Depth <= 0 {
		return fmt.Errorf("git checkout %s: %w", opts.Revision, redactError(err, enclave))
	}

	c.logger.Debug("Revision not in shallow clone, fetching it", "revision", opts.Revision)
	if _, err := c.proc.Run(ctx, GitBinary, "-C", opts.Dest, "fetch", "--quiet",
		"--depth", strconv.Itoa(opts.Depth), "origin", opts.Revision); err != nil {
		return fmt.Errorf("git fetch %s: %w", opts.Revision, redactError(err, enclave))
	}
	if _, err := c.proc.Run(ctx, GitBinary, "-C", opts.Dest, "checkout", "--quiet", "FETCH_HEAD"); err != nil {
		return fmt.Errorf("git checkout %s: %w", opts.Revision, redactError(err, enclave))
	}
	return nil
}

func checkDestination(dest string) error {
	entries, err := os.ReadDir(dest)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect clone destination: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s", ErrDestinationNotEmpty, dest)
	}
	return nil
}

// redactError returns err with every copy of the enclave's token scrubbed
// out. The token is decrypted for the scrub and wiped again before return.
// If the enclave cannot be opened the command line and stderr are dropped.
func redactError(err error, enclave *memguard.Enclave) error {
	if err == nil || enclave == nil {
		return err
	}
	var cmdErr *process.CommandError
	isCmd := errors.As(err, &cmdErr)

	buf, openErr := enclave.Open()
	if openErr != nil {
		if isCmd {
			return &process.CommandError{
				Command:  GitBinary + " " + redacted,
				ExitCode: cmdErr.ExitCode,
				Stderr:   redacted,
				Wrapped:  cmdErr.Wrapped,
			}
		}
		return errors.New(GitBinary + " failed: " + redacted)
	}
	defer buf.Destroy()
	token := buf.String()

	if isCmd {
		return &process.CommandError{
			Command:  Redact(cmdErr.Command, token),
			ExitCode: cmdErr.ExitCode,
			Stderr:   Redact(cmdErr.Stderr, token),
			Wrapped:  cmdErr.Wrapped,
		}
	}
	if msg := err.Error(); strings.Contains(msg, token) {
		return errors.New(Redact(msg, token))
	}
	return err
}
