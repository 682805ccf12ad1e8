// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the nfwrap CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	ColorPrimary = lipgloss.Color("#20B9B4")
	ColorAccent  = lipgloss.Color("#16858E")
	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#5C7A84")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Key     lipgloss.Style

	Box      lipgloss.Style
	ErrorBox lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Key:     lipgloss.NewStyle().Foreground(ColorAccent),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorAccent).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// Render returns the icon with its color.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes status output at a fixed Level. Warnings and errors go to
// Err so stdout stays parseable.
type Printer struct {
	Out   io.Writer
	Err   io.Writer
	Level Level
}

// NewPrinter creates a Printer for stdout/stderr, detecting the level.
func NewPrinter() *Printer {
	return &Printer{
		Out:   os.Stdout,
		Err:   os.Stderr,
		Level: DetectLevel(os.Stdout, os.Getenv),
	}
}

// Title prints a heading. Machine output skips it.
func (p *Printer) Title(text string) {
	switch p.Level {
	case LevelMachine:
	case LevelMinimal:
		fmt.Fprintln(p.Out, text)
	default:
		fmt.Fprintln(p.Out, Styles.Title.Render(text))
	}
}

func (p *Printer) Success(text string) {
	switch p.Level {
	case LevelMachine:
		fmt.Fprintf(p.Out, "OK: %s\n", text)
	case LevelMinimal:
		fmt.Fprintf(p.Out, "%s %s\n", IconSuccess, text)
	default:
		fmt.Fprintf(p.Out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

func (p *Printer) Warning(text string) {
	switch p.Level {
	case LevelMachine:
		fmt.Fprintf(p.Err, "WARN: %s\n", text)
	case LevelMinimal:
		fmt.Fprintf(p.Err, "%s %s\n", IconWarning, text)
	default:
		fmt.Fprintf(p.Err, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

func (p *Printer) Error(text string) {
	switch p.Level {
	case LevelMachine:
		fmt.Fprintf(p.Err, "ERROR: %s\n", text)
	case LevelMinimal:
		fmt.Fprintf(p.Err, "%s %s\n", IconError, text)
	default:
		fmt.Fprintf(p.Err, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

func (p *Printer) Info(text string) {
	switch p.Level {
	case LevelMachine:
		fmt.Fprintln(p.Out, text)
	default:
		fmt.Fprintf(p.Out, "%s %s\n", Styles.Muted.Render("│"), text)
	}
}

// Check prints one line of a checklist: a success or error icon and text.
func (p *Printer) Check(ok bool, text string) {
	icon := IconSuccess
	if !ok {
		icon = IconError
	}
	switch p.Level {
	case LevelMachine:
		status := "PASS"
		if !ok {
			status = "FAIL"
		}
		fmt.Fprintf(p.Out, "%s\t%s\n", status, text)
	case LevelMinimal:
		fmt.Fprintf(p.Out, "%s %s\n", icon, text)
	default:
		fmt.Fprintf(p.Out, "%s %s\n", icon.Render(), text)
	}
}

// KeyValues prints fields sorted by key, aligned on the longest key.
// Machine output is key=value per line.
func (p *Printer) KeyValues(fields map[string]string) {
	keys := make([]string, 0, len(fields))
	width := 0
	for k := range fields {
		keys = append(keys, k)
		if len(k) > width {
			width = len(k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch p.Level {
		case LevelMachine:
			fmt.Fprintf(p.Out, "%s=%s\n", k, fields[k])
		case LevelMinimal:
			fmt.Fprintf(p.Out, "%-*s  %s\n", width, k, fields[k])
		default:
			fmt.Fprintf(p.Out, "%s  %s\n", Styles.Key.Render(fmt.Sprintf("%-*s", width, k)), fields[k])
		}
	}
}

// Box prints a titled block. Machine output is "title: line" per line.
func (p *Printer) Box(title string, lines []string) {
	switch p.Level {
	case LevelMachine:
		for _, l := range lines {
			fmt.Fprintf(p.Out, "%s: %s\n", title, l)
		}
	case LevelMinimal:
		fmt.Fprintln(p.Out, title)
		for _, l := range lines {
			fmt.Fprintf(p.Out, "  %s\n", l)
		}
	default:
		body := Styles.Title.Render(title) + "\n" + strings.Join(lines, "\n")
		fmt.Fprintln(p.Out, Styles.Box.Render(body))
	}
}

// =============================================================================
// Package-level helpers
// =============================================================================

var (
	defaultPrinter *Printer
	defaultOnce    sync.Once
	defaultMu      sync.RWMutex
)

// Default returns the process-wide Printer.
func Default() *Printer {
	defaultOnce.Do(func() {
		defaultMu.Lock()
		if defaultPrinter == nil {
			defaultPrinter = NewPrinter()
		}
		defaultMu.Unlock()
	})
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultPrinter
}

// SetDefault replaces the process-wide Printer.
func SetDefault(p *Printer) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultPrinter = p
}

func Success(text string) { Default().Success(text) }
func Warning(text string) { Default().Warning(text) }
func Error(text string)   { Default().Error(text) }
func Info(text string)    { Default().Info(text) }
