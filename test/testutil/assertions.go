// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
)

// AssertStarted verifies that the last start request targeted stage
func AssertStarted(t *testing.T, capture *RunnerCapture, stage string) {
	t.Helper()
	starts := capture.Starts()
	if assert.NotEmpty(t, starts, "Expected at least one start request") {
		assert.Equal(t, stage, starts[len(starts)-1].Stage, "Started stage mismatch")
	}
}

// AssertNoStarts verifies that no stage was started
func AssertNoStarts(t *testing.T, capture *RunnerCapture) {
	t.Helper()
	assert.Empty(t, capture.Starts(), "Expected no start requests")
}

// AssertQuitMessage verifies that a quit message was generated
func AssertQuitMessage(t *testing.T, cmd tea.Cmd) {
	t.Helper()
	assert.NotNil(t, cmd, "Expected a command to be generated")
	msg := ExecuteCommand(cmd)
	assert.IsType(t, tea.QuitMsg{}, msg, "Expected quit message")
}

// AssertNoCommand verifies that no command was generated
func AssertNoCommand(t *testing.T, cmd tea.Cmd) {
	t.Helper()
	assert.Nil(t, cmd, "Expected no command to be generated")
}

// AssertViewNotEmpty verifies that the view produces non-empty output
func AssertViewNotEmpty(t *testing.T, model tea.Model) {
	t.Helper()
	view := model.View()
	assert.NotEmpty(t, view, "View should not be empty")
}
