// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package util holds small helpers shared by nfwrap's internal packages.
package util

import (
	"fmt"
	"regexp"
	"strings"
)

var envVarKeyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrInvalidEnvVarKey is returned when a key is not a valid shell identifier.
var ErrInvalidEnvVarKey = fmt.Errorf("invalid environment variable key")

// =============================================================================
// EnvVar
// =============================================================================

// EnvVar is a single environment variable.
//
// Sensitive values (AWS secret keys, session tokens, git tokens) are
// replaced with [REDACTED] by Redacted so the launch environment can be
// logged at debug level.
type EnvVar struct {
	Key       string
	Value     string
	Sensitive bool
}

// String returns "KEY=value".
func (e EnvVar) String() string {
	return fmt.Sprintf("%s=%s", e.Key, e.Value)
}

// Redacted returns "KEY=[REDACTED]" for sensitive variables, else String().
func (e EnvVar) Redacted() string {
	if e.Sensitive {
		return fmt.Sprintf("%s=[REDACTED]", e.Key)
	}
	return e.String()
}

// Validate checks the key against [a-zA-Z_][a-zA-Z0-9_]*.
func (e EnvVar) Validate() error {
	if !envVarKeyPattern.MatchString(e.Key) {
		return fmt.Errorf("%w: %q must match pattern [a-zA-Z_][a-zA-Z0-9_]*", ErrInvalidEnvVarKey, e.Key)
	}
	return nil
}

// =============================================================================
// EnvVars
// =============================================================================

// EnvVars is an ordered set of environment variables with unique keys.
//
// # Description
//
// Set replaces an existing key in place, so the order of first insertion
// is preserved and ToSlice is deterministic. That matters for tests that
// assert on the exact environment handed to nextflow.
//
// A nil *EnvVars behaves as empty for all read methods.
type EnvVars struct {
	vars []EnvVar
}

// NewEnvVars validates vars and returns them as a set. Later duplicates
// replace earlier ones.
func NewEnvVars(vars ...EnvVar) (*EnvVars, error) {
	e := &EnvVars{vars: make([]EnvVar, 0, len(vars))}
	for _, v := range vars {
		if err := e.Set(v.Key, v.Value, v.Sensitive); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// EmptyEnvVars returns an empty set.
func EmptyEnvVars() *EnvVars {
	return &EnvVars{vars: []EnvVar{}}
}

// FromEnviron parses os.Environ-style "KEY=value" entries. Entries without
// "=" or with invalid keys are skipped, since the inherited environment can
// legitimately contain names a shell would reject. Sensitivity is
// detected from the key.
func FromEnviron(environ []string) *EnvVars {
	e := EmptyEnvVars()
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		_ = e.Set(key, value, IsSensitiveKey(key))
	}
	return e
}

// Set adds key or replaces its value in place.
func (e *EnvVars) Set(key, value string, sensitive bool) error {
	ev := EnvVar{Key: key, Value: value, Sensitive: sensitive}
	if err := ev.Validate(); err != nil {
		return err
	}
	for i := range e.vars {
		if e.vars[i].Key == key {
			e.vars[i] = ev
			return nil
		}
	}
	e.vars = append(e.vars, ev)
	return nil
}

// Unset removes key if present.
func (e *EnvVars) Unset(key string) {
	if e == nil {
		return
	}
	for i := range e.vars {
		if e.vars[i].Key == key {
			e.vars = append(e.vars[:i], e.vars[i+1:]...)
			return
		}
	}
}

// Get returns the value for key, or "".
func (e *EnvVars) Get(key string) string {
	v, _ := e.Lookup(key)
	return v
}

// Lookup returns the value for key and whether it is set.
func (e *EnvVars) Lookup(key string) (string, bool) {
	if e == nil {
		return "", false
	}
	for _, v := range e.vars {
		if v.Key == key {
			return v.Value, true
		}
	}
	return "", false
}

// Has reports whether key is set.
func (e *EnvVars) Has(key string) bool {
	_, ok := e.Lookup(key)
	return ok
}

// Len returns the number of variables.
func (e *EnvVars) Len() int {
	if e == nil {
		return 0
	}
	return len(e.vars)
}

// ToSlice returns "KEY=value" entries suitable for exec.Cmd.Env.
func (e *EnvVars) ToSlice() []string {
	if e == nil {
		return nil
	}
	result := make([]string, len(e.vars))
	for i, v := range e.vars {
		result[i] = v.String()
	}
	return result
}

// ToMap returns the variables as a map.
func (e *EnvVars) ToMap() map[string]string {
	if e == nil {
		return nil
	}
	result := make(map[string]string, len(e.vars))
	for _, v := range e.vars {
		result[v.Key] = v.Value
	}
	return result
}

// RedactedSlice is ToSlice with sensitive values masked. Safe to log.
func (e *EnvVars) RedactedSlice() []string {
	if e == nil {
		return nil
	}
	result := make([]string, len(e.vars))
	for i, v := range e.vars {
		result[i] = v.Redacted()
	}
	return result
}

// Merge returns a new set holding e overlaid with other. Neither input is
// modified.
func (e *EnvVars) Merge(other *EnvVars) *EnvVars {
	result := e.Clone()
	if result == nil {
		result = EmptyEnvVars()
	}
	if other == nil {
		return result
	}
	for _, v := range other.vars {
		_ = result.Set(v.Key, v.Value, v.Sensitive)
	}
	return result
}

// Clone returns a copy, or nil for a nil receiver.
func (e *EnvVars) Clone() *EnvVars {
	if e == nil {
		return nil
	}
	result := &EnvVars{vars: make([]EnvVar, len(e.vars))}
	copy(result.vars, e.vars)
	return result
}

// IsSensitiveKey reports whether key looks like it holds a credential.
func IsSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range []string{"TOKEN", "SECRET", "PASSWORD", "CREDENTIAL", "AUTH", "KEY"} {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
