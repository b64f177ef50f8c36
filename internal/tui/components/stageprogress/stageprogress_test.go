// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package stageprogress

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/ctxdash/internal/pipeline"
	"github.com/noldarim/ctxdash/internal/protocol"
)

func TestFromSnapshot(t *testing.T) {
	snap := pipeline.Snapshot{Stages: []pipeline.StageState{
		{Name: "extraction", Log: []protocol.ProgressEvent{
			{Status: protocol.StatusRunning, Payload: map[string]any{"progress": 0.4}},
			{Phase: protocol.PhaseComplete, Status: protocol.StatusDone, Detail: "42 endpoints"},
		}},
		{Name: "analysis", Running: true, Log: []protocol.ProgressEvent{
			{Status: protocol.StatusRunning, Detail: "classifying", Payload: map[string]any{"progress": 0.25}},
		}},
		{Name: "generation", Log: []protocol.ProgressEvent{
			{Status: protocol.StatusFailed, Error: "timeout"},
		}},
		{Name: "extra"},
	}}

	rows := FromSnapshot(snap)
	require.Len(t, rows, 4)

	assert.Equal(t, Stage{Name: "extraction", Status: StatusDone, Fraction: 1, Detail: "42 endpoints"}, rows[0])
	assert.Equal(t, Stage{Name: "analysis", Status: StatusRunning, Fraction: 0.25, Detail: "classifying"}, rows[1])
	assert.Equal(t, Stage{Name: "generation", Status: StatusFailed, Detail: "timeout"}, rows[2])
	assert.Equal(t, Stage{Name: "extra", Status: StatusPending}, rows[3])
}

func TestView(t *testing.T) {
	m := New().SetWidth(10).SetSelected(1).SetStages([]Stage{
		{Name: "extraction", Status: StatusDone, Fraction: 1},
		{Name: "analysis", Status: StatusRunning, Fraction: 0.5, Detail: "half way"},
		{Name: "generation", Status: StatusCancelled},
	})

	view := m.View()
	lines := strings.Split(view, "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "done")
	assert.Contains(t, lines[1], ">")
	assert.Contains(t, lines[1], "half way")
	assert.Contains(t, lines[2], "cancelled")
}

func TestView_Empty(t *testing.T) {
	assert.Empty(t, New().View())
}
