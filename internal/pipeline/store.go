// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline holds the client-side state of a multi-stage backend pipeline:
// one append-only progress log, a running flag and an active run id per stage.
package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/noldarim/ctxdash/internal/protocol"
)

// ErrUnknownStage is returned for stage names the store was not created with.
var ErrUnknownStage = errors.New("unknown stage")

type stage struct {
	log      []protocol.ProgressEvent
	running  bool
	activeID string
}

// StageState is a copy of one stage.
type StageState struct {
	Name     string
	Log      []protocol.ProgressEvent
	Running  bool
	ActiveID string
}

// Last returns the most recent record, if any.
func (s StageState) Last() (protocol.ProgressEvent, bool) {
	if len(s.Log) == 0 {
		return protocol.ProgressEvent{}, false
	}
	return s.Log[len(s.Log)-1], true
}

// Outcome is the status of the terminal record ending the log, or "" while the
// stage is running or has never run.
func (s StageState) Outcome() protocol.Status {
	last, ok := s.Last()
	if !ok || s.Running || !last.Terminal() {
		return ""
	}
	return last.Status
}

// Snapshot is a consistent copy of every stage, in declaration order.
// Version increases with every mutation.
type Snapshot struct {
	Version uint64
	Stages  []StageState
}

// Stage returns the named stage from the snapshot.
func (s Snapshot) Stage(name string) (StageState, bool) {
	for _, st := range s.Stages {
		if st.Name == name {
			return st, true
		}
	}
	return StageState{}, false
}

// Store is safe for concurrent use. Subscribers are called after every mutation,
// outside the store lock, and must not mutate the store themselves.
type Store struct {
	mu      sync.RWMutex
	order   []string
	stages  map[string]*stage
	version uint64

	subMu   sync.Mutex
	subs    map[uint64]func(Snapshot)
	nextSub uint64
}

// NewStore creates a store with the given stages.
func NewStore(stages ...string) *Store {
	s := &Store{
		stages: make(map[string]*stage, len(stages)),
		subs:   make(map[uint64]func(Snapshot)),
	}
	for _, name := range stages {
		if _, dup := s.stages[name]; dup {
			continue
		}
		s.order = append(s.order, name)
		s.stages[name] = &stage{}
	}
	return s
}

// Stages returns the stage names in declaration order.
func (s *Store) Stages() []string {
	return append([]string(nil), s.order...)
}

// Begin clears the stage log and marks it running. Callers invoke it before asking
// the backend to start the stage so no stale records from a previous run remain.
func (s *Store) Begin(name string) error {
	return s.mutate(name, func(st *stage) {
		st.log = nil
		st.running = true
	})
}

// Append adds a record to the stage log.
func (s *Store) Append(name string, e protocol.ProgressEvent) error {
	return s.mutate(name, func(st *stage) {
		st.log = append(st.log, e)
	})
}

// Finish clears the running flag and appends the terminal record.
func (s *Store) Finish(name string, e protocol.ProgressEvent) error {
	return s.mutate(name, func(st *stage) {
		st.running = false
		st.log = append(st.log, e)
	})
}

// SetActiveID records the backend id of the stage's current run.
// A later run simply overwrites it.
func (s *Store) SetActiveID(name, id string) error {
	return s.mutate(name, func(st *stage) {
		st.activeID = id
	})
}

// ActiveID returns the stage's active run id.
func (s *Store) ActiveID(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.stages[name]; ok {
		return st.activeID
	}
	return ""
}

// Running reports whether the stage is running.
func (s *Store) Running(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.stages[name]; ok {
		return st.running
	}
	return false
}

// Log returns a copy of the stage log.
func (s *Store) Log(name string) []protocol.ProgressEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.stages[name]; ok {
		return append([]protocol.ProgressEvent(nil), st.log...)
	}
	return nil
}

// Snapshot copies every stage.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{Version: s.version, Stages: make([]StageState, 0, len(s.order))}
	for _, name := range s.order {
		st := s.stages[name]
		snap.Stages = append(snap.Stages, StageState{
			Name:     name,
			Log:      append([]protocol.ProgressEvent(nil), st.log...),
			Running:  st.running,
			ActiveID: st.activeID,
		})
	}
	return snap
}

// Subscribe registers fn for change notifications. The returned func removes it.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) mutate(name string, fn func(*stage)) error {
	s.mu.Lock()
	st, ok := s.stages[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	fn(st)
	s.version++
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

func (s *Store) notify(snap Snapshot) {
	s.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
