// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package tui

import (
	"sync"

	"github.com/noldarim/ctxdash/internal/pipeline"
)

// SnapshotFilter drops store notifications that arrive after a newer one.
// Store subscribers run on whichever goroutine mutated the store, so two
// notifications can reach the program out of order.
type SnapshotFilter struct {
	mu   sync.Mutex
	last uint64
	seen bool
}

// NewSnapshotFilter creates an empty filter.
func NewSnapshotFilter() *SnapshotFilter {
	return &SnapshotFilter{}
}

// ShouldProcess returns true if snap is newer than anything seen so far.
func (f *SnapshotFilter) ShouldProcess(snap pipeline.Snapshot) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen && snap.Version <= f.last {
		return false
	}
	f.seen = true
	f.last = snap.Version
	return true
}
