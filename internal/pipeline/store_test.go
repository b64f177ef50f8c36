// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/ctxdash/internal/protocol"
)

func entry(status protocol.Status, detail string) protocol.ProgressEvent {
	return protocol.ProgressEvent{Status: status, Detail: detail}
}

func TestStore_BeginClearsLogAndMarksRunning(t *testing.T) {
	s := NewStore("extraction", "analysis")

	require.NoError(t, s.Append("extraction", entry(protocol.StatusRunning, "old")))
	require.NoError(t, s.Begin("extraction"))

	assert.True(t, s.Running("extraction"))
	assert.Empty(t, s.Log("extraction"))
	assert.False(t, s.Running("analysis"))
}

func TestStore_FinishAppendsAndStops(t *testing.T) {
	s := NewStore("analysis")
	require.NoError(t, s.Begin("analysis"))
	require.NoError(t, s.Append("analysis", entry(protocol.StatusRunning, "step 1")))
	require.NoError(t, s.Finish("analysis", protocol.ProgressEvent{Phase: protocol.PhaseComplete, Status: protocol.StatusDone}))

	assert.False(t, s.Running("analysis"))
	log := s.Log("analysis")
	require.Len(t, log, 2)
	assert.Equal(t, "step 1", log[0].Detail)
	assert.Equal(t, protocol.StatusDone, log[1].Status)

	st, ok := s.Snapshot().Stage("analysis")
	require.True(t, ok)
	assert.Equal(t, protocol.StatusDone, st.Outcome())
}

func TestStore_ActiveIDOverwrites(t *testing.T) {
	s := NewStore("analysis")
	require.NoError(t, s.SetActiveID("analysis", "run-1"))
	require.NoError(t, s.SetActiveID("analysis", "run-2"))
	assert.Equal(t, "run-2", s.ActiveID("analysis"))
}

func TestStore_UnknownStage(t *testing.T) {
	s := NewStore("extraction")
	err := s.Append("nope", entry(protocol.StatusRunning, ""))
	assert.ErrorIs(t, err, ErrUnknownStage)
	assert.Equal(t, "", s.ActiveID("nope"))
	assert.Nil(t, s.Log("nope"))
}

func TestStore_SnapshotIsCopy(t *testing.T) {
	s := NewStore("a", "b", "a")
	require.NoError(t, s.Append("a", entry(protocol.StatusRunning, "x")))

	snap := s.Snapshot()
	assert.Equal(t, []string{"a", "b"}, s.Stages())
	require.Len(t, snap.Stages, 2)
	snap.Stages[0].Log[0].Detail = "mutated"

	assert.Equal(t, "x", s.Log("a")[0].Detail)
	assert.Equal(t, uint64(1), snap.Version)
}

func TestStore_Subscribe(t *testing.T) {
	s := NewStore("a")

	var mu sync.Mutex
	var versions []uint64
	unsub := s.Subscribe(func(snap Snapshot) {
		mu.Lock()
		versions = append(versions, snap.Version)
		mu.Unlock()
	})

	require.NoError(t, s.Begin("a"))
	require.NoError(t, s.Append("a", entry(protocol.StatusRunning, "")))
	unsub()
	require.NoError(t, s.Finish("a", entry(protocol.StatusDone, "")))

	assert.Equal(t, []uint64{1, 2}, versions)
}

func TestStageState_OutcomeWhileRunning(t *testing.T) {
	st := StageState{Running: true, Log: []protocol.ProgressEvent{entry(protocol.StatusFailed, "")}}
	assert.Equal(t, protocol.Status(""), st.Outcome())

	_, ok := StageState{}.Last()
	assert.False(t, ok)
}
