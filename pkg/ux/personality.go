// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// EnvOutputLevel forces an output level, e.g. NFWRAP_OUTPUT=machine.
const EnvOutputLevel = "NFWRAP_OUTPUT"

// Level controls how rich CLI output is.
type Level string

const (
	// LevelRich enables colors, icons and boxes.
	LevelRich Level = "rich"

	// LevelMinimal keeps icons but drops colors and boxes.
	LevelMinimal Level = "minimal"

	// LevelMachine prints plain prefixed lines for scripts and Batch logs.
	LevelMachine Level = "machine"
)

// ParseLevel converts a string to a Level. Unknown values are LevelRich.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return LevelMinimal
	case "machine", "plain", "quiet", "q":
		return LevelMachine
	default:
		return LevelRich
	}
}

// DetectLevel picks the level for f: $NFWRAP_OUTPUT when set, machine
// when f is not a terminal, rich otherwise.
func DetectLevel(f *os.File, getenv func(string) string) Level {
	if getenv != nil {
		if v := getenv(EnvOutputLevel); v != "" {
			return ParseLevel(v)
		}
	}
	if f == nil || !IsTerminal(f) {
		return LevelMachine
	}
	return LevelRich
}

// IsTerminal reports whether f is a terminal, including Cygwin/MSYS ptys.
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
