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
	"context"
	"sync"
)

// MockManager is a test double for Manager.
//
// # Description
//
// Records every invocation in Calls and delegates to the matching *Func
// field. Calling a method whose Func is nil panics, which makes an
// unexpected command fail the test loudly.
//
// # Examples
//
//	mock := &process.MockManager{
//	    RunStreamingFunc: func(ctx context.Context, spec process.Spec) error {
//	        return process.NewCommandError(spec.CommandLine(), 3, "", nil)
//	    },
//	}
type MockManager struct {
	RunFunc          func(ctx context.Context, name string, args ...string) ([]byte, error)
	RunWithInputFunc func(ctx context.Context, name string, input []byte, args ...string) ([]byte, error)
	RunStreamingFunc func(ctx context.Context, spec Spec) error

	Calls []Call

	mu sync.Mutex
}

// Call records a single MockManager invocation.
type Call struct {
	Method string
	Name   string
	Args   []string
	Input  []byte
	Dir    string
	Env    []string
}

// Run records the call and delegates to RunFunc.
func (m *MockManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, Call{Method: "Run", Name: name, Args: args})
	if m.RunFunc == nil {
		panic("MockManager.RunFunc not set")
	}
	return m.RunFunc(ctx, name, args...)
}

// RunWithInput records the call and delegates to RunWithInputFunc.
func (m *MockManager) RunWithInput(ctx context.Context, name string, input []byte, args ...string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Input may live in a locked buffer the caller destroys after the call.
	m.Calls = append(m.Calls, Call{Method: "RunWithInput", Name: name, Args: args, Input: append([]byte(nil), input...)})
	if m.RunWithInputFunc == nil {
		panic("MockManager.RunWithInputFunc not set")
	}
	return m.RunWithInputFunc(ctx, name, input, args...)
}

// RunStreaming records the call and delegates to RunStreamingFunc.
func (m *MockManager) RunStreaming(ctx context.Context, spec Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, Call{
		Method: "RunStreaming",
		Name:   spec.Name,
		Args:   spec.Args,
		Dir:    spec.Dir,
		Env:    spec.Env,
	})
	if m.RunStreamingFunc == nil {
		panic("MockManager.RunStreamingFunc not set")
	}
	return m.RunStreamingFunc(ctx, spec)
}

// GetCalls returns a copy of the recorded calls.
func (m *MockManager) GetCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]Call, len(m.Calls))
	copy(calls, m.Calls)
	return calls
}

// Reset clears recorded calls.
func (m *MockManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

var _ Manager = (*MockManager)(nil)
