// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noldarim/ctxdash/internal/features"
	"github.com/noldarim/ctxdash/internal/protocol"
)

var (
	// ErrNotRunning is returned when cancelling a stage that has no active run.
	ErrNotRunning = errors.New("stage is not running")
	// ErrAlreadyRunning is returned when starting a stage the user is already running.
	ErrAlreadyRunning = errors.New("stage is already running")
)

type runKey struct {
	user, feature, stage string
}

type run struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Player replays scenarios as realtime frames. Each user has at most one run per stage.
type Player struct {
	scenarios Scenarios
	out       chan Outbound
	quit      chan struct{}
	quitOnce  sync.Once
	metrics   *serverMetrics
	speed     float64

	mu   sync.Mutex
	runs map[runKey]*run
	wg   sync.WaitGroup
}

// NewPlayer creates a player. speed scales every scripted delay (0 plays instantly).
func NewPlayer(scenarios Scenarios, speed float64, m *serverMetrics) *Player {
	return &Player{
		scenarios: scenarios,
		out:       make(chan Outbound, 256),
		quit:      make(chan struct{}),
		metrics:   m,
		speed:     speed,
		runs:      make(map[runKey]*run),
	}
}

// Frames is consumed by the broadcaster.
func (p *Player) Frames() <-chan Outbound {
	return p.out
}

// Start begins a run and returns its id.
func (p *Player) Start(user string, f features.Feature, stage features.Stage) (string, error) {
	key := runKey{user: user, feature: f.Name, stage: stage.Name}

	p.mu.Lock()
	if _, ok := p.runs[key]; ok {
		p.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}
	p.runs[key] = r
	p.mu.Unlock()

	sc := p.scenarios.Get(f.Name, stage.Name)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(r.done)
		defer cancel()
		outcome := p.play(ctx, user, stage, sc, r.id)

		p.mu.Lock()
		if p.runs[key] == r {
			delete(p.runs, key)
		}
		p.mu.Unlock()
		p.metrics.runs.WithLabelValues(f.Name, stage.Name, string(outcome)).Inc()
	}()

	getLog().Info().Str("feature", f.Name).Str("stage", stage.Name).Str("run_id", r.id).Msg("Stage run started")
	return r.id, nil
}

// Cancel stops a user's run; the run emits the cancelled event itself.
func (p *Player) Cancel(user, feature, stage string) error {
	p.mu.Lock()
	r, ok := p.runs[runKey{user: user, feature: feature, stage: stage}]
	p.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	r.cancel()
	<-r.done
	return nil
}

// Running reports whether the user has an active run of the stage.
func (p *Player) Running(user, feature, stage string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.runs[runKey{user: user, feature: feature, stage: stage}]
	return ok
}

// Close cancels all runs and waits for them. Frames not yet consumed are discarded.
func (p *Player) Close() {
	p.quitOnce.Do(func() { close(p.quit) })
	p.mu.Lock()
	for _, r := range p.runs {
		r.cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Player) play(ctx context.Context, user string, stage features.Stage, sc Scenario, runID string) protocol.Outcome {
	for _, step := range sc.Steps {
		if !p.wait(ctx, step.Delay) {
			return p.terminate(user, stage, runID, sc, protocol.OutcomeCancelled)
		}
		typ := step.Type
		if typ == "" {
			typ = "progress"
		}
		f := protocol.NewFrame(typ)
		f[protocol.FieldChannel] = stage.Channel
		f["run_id"] = runID
		setIf(f, protocol.FieldPhase, step.Phase)
		setIf(f, protocol.FieldStatus, step.Status)
		setIf(f, protocol.FieldDetail, step.Detail)
		if step.Progress > 0 {
			f["progress"] = step.Progress
		}
		p.emit(user, f)
	}

	outcome := sc.Outcome
	if outcome == "" {
		outcome = protocol.OutcomeComplete
	}
	if ctx.Err() != nil {
		outcome = protocol.OutcomeCancelled
	}
	return p.terminate(user, stage, runID, sc, outcome)
}

func (p *Player) terminate(user string, stage features.Stage, runID string, sc Scenario, outcome protocol.Outcome) protocol.Outcome {
	f := protocol.NewFrame(protocol.TerminalType(stage.Prefix, outcome))
	f["run_id"] = runID
	switch outcome {
	case protocol.OutcomeComplete:
		setIf(f, protocol.FieldDetail, sc.Detail)
		if stage.SeedKey != "" {
			f[protocol.FieldResult] = map[string]any{stage.SeedKey: runID}
		}
	case protocol.OutcomeFailed:
		msg := sc.Error
		if msg == "" {
			msg = "scripted failure"
		}
		f[protocol.FieldError] = msg
	}
	p.emit(user, f)
	getLog().Info().Str("stage", stage.Name).Str("run_id", runID).Str("outcome", string(outcome)).Msg("Stage run finished")
	return outcome
}

func (p *Player) emit(user string, f protocol.Frame) {
	select {
	case p.out <- Outbound{User: user, Frame: f}:
	case <-p.quit:
	}
}

func (p *Player) wait(ctx context.Context, d time.Duration) bool {
	scaled := time.Duration(float64(d) * p.speed)
	if scaled <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(scaled)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func setIf(f protocol.Frame, key, value string) {
	if value != "" {
		f[key] = value
	}
}
