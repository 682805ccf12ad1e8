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
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPrinter(level Level) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return &Printer{Out: &out, Err: &errOut, Level: level}, &out, &errOut
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"machine", LevelMachine},
		{"PLAIN", LevelMachine},
		{" q ", LevelMachine},
		{"minimal", LevelMinimal},
		{"m", LevelMinimal},
		{"rich", LevelRich},
		{"", LevelRich},
		{"sparkly", LevelRich},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestDetectLevel(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, LevelMachine, DetectLevel(f, func(string) string { return "" }), "a regular file is not a terminal")
	assert.Equal(t, LevelMinimal, DetectLevel(f, func(k string) string {
		if k == EnvOutputLevel {
			return "minimal"
		}
		return ""
	}))
	assert.Equal(t, LevelMachine, DetectLevel(nil, nil))
}

func TestPrinter_Machine(t *testing.T) {
	p, out, errOut := newTestPrinter(LevelMachine)

	p.Title("Queue")
	p.Success("queue healthy")
	p.Info("2 compute environments")
	p.Warning("all subnets in one zone")
	p.Error("stack failed")
	p.Check(true, "VPC vpc-1 available")
	p.Check(false, "subnet subnet-a missing")
	p.KeyValues(map[string]string{"region": "us-west-1", "account": "123"})
	p.Box("Problems", []string{"a", "b"})

	assert.Equal(t,
		"OK: queue healthy\n"+
			"2 compute environments\n"+
			"PASS\tVPC vpc-1 available\n"+
			"FAIL\tsubnet subnet-a missing\n"+
			"account=123\n"+
			"region=us-west-1\n"+
			"Problems: a\n"+
			"Problems: b\n",
		out.String())
	assert.Equal(t, "WARN: all subnets in one zone\nERROR: stack failed\n", errOut.String())
}

func TestPrinter_Minimal(t *testing.T) {
	p, out, errOut := newTestPrinter(LevelMinimal)

	p.Title("Identity")
	p.KeyValues(map[string]string{"account": "123", "arn": "arn:aws:iam::123:user/x"})
	p.Check(false, "missing")
	p.Error("boom")

	assert.Equal(t,
		"Identity\n"+
			"account  123\n"+
			"arn      arn:aws:iam::123:user/x\n"+
			"✗ missing\n",
		out.String())
	assert.Equal(t, "✗ boom\n", errOut.String())
}

func TestPrinter_Rich(t *testing.T) {
	p, out, errOut := newTestPrinter(LevelRich)

	p.Title("Stack nextflow")
	p.Success("deployed")
	p.Box("Outputs", []string{"JobQueueArn = arn:aws:batch:q"})
	p.Warning("careful")

	assert.Contains(t, out.String(), "Stack nextflow")
	assert.Contains(t, out.String(), "deployed")
	assert.Contains(t, out.String(), "JobQueueArn = arn:aws:batch:q")
	assert.Contains(t, errOut.String(), "careful")
}

func TestDefaultPrinter(t *testing.T) {
	p, out, _ := newTestPrinter(LevelMachine)
	SetDefault(p)
	t.Cleanup(func() { SetDefault(NewPrinter()) })

	Success("done")
	Info("note")
	assert.Equal(t, "OK: done\nnote\n", out.String())
	assert.Same(t, p, Default())
}

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending, IconArrow} {
		assert.Contains(t, icon.Render(), string(icon))
	}
}
