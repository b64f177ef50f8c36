// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

import (
	"context"
	"sync"

	"github.com/noldarim/ctxdash/internal/apiclient"
)

// StartCall records one stage start request.
type StartCall struct {
	Stage  string
	Params map[string]any
}

// RunnerCapture records start and cancel requests made by a view.
type RunnerCapture struct {
	mu        sync.RWMutex
	starts    []StartCall
	cancels   int
	StartErr  error
	CancelErr error
	RunID     string
}

// NewRunnerCapture creates a capture that accepts every request.
func NewRunnerCapture() *RunnerCapture {
	return &RunnerCapture{RunID: "run-1"}
}

func (c *RunnerCapture) Start(_ context.Context, stage string, params map[string]any) (*apiclient.StartResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts = append(c.starts, StartCall{Stage: stage, Params: params})
	if c.StartErr != nil {
		return nil, c.StartErr
	}
	return &apiclient.StartResponse{Status: "started", RunID: c.RunID}, nil
}

func (c *RunnerCapture) CancelRunning(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels++
	return c.CancelErr
}

// Starts returns a copy of all recorded start requests
func (c *RunnerCapture) Starts() []StartCall {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]StartCall, len(c.starts))
	copy(out, c.starts)
	return out
}

// CancelCount returns how many times CancelRunning was called
func (c *RunnerCapture) CancelCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancels
}

// MockSession counts Mount and Unmount calls.
type MockSession struct {
	mu       sync.Mutex
	MountErr error
	tokens   []string
	unmounts int
}

func (s *MockSession) Mount(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
	return s.MountErr
}

func (s *MockSession) Unmount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unmounts++
}

// Tokens returns the tokens passed to Mount
func (s *MockSession) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// Unmounts returns how many times Unmount was called
func (s *MockSession) Unmounts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unmounts
}
