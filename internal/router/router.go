// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router routes realtime frames into a feature's pipeline store.
//
// A feature describes its wire vocabulary with a Table: which routing keys carry
// progress for which stage, which event types end a stage, and which types are
// known no-ops. The router owns the wildcard subscription and the connection
// lifecycle for one consuming view.
package router

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/noldarim/ctxdash/internal/auth"
	"github.com/noldarim/ctxdash/internal/logger"
	"github.com/noldarim/ctxdash/internal/protocol"
	"github.com/noldarim/ctxdash/internal/realtime"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetRouterLogger()
		log = &l
	})
	return log
}

// Terminal describes what a terminal event type does to its stage.
type Terminal struct {
	Stage   string
	Outcome protocol.Outcome
	// Detail is used for the summary record when the frame has none.
	Detail string
	// SeedKey names the result field holding the run id for the next stage.
	SeedKey string
}

// Table is a feature's routing vocabulary.
type Table struct {
	Channels  map[string]string   // routing key -> stage
	Terminals map[string]Terminal // exact type -> terminal handling
	Ignored   []string            // exact types that are deliberately no-ops
}

// alwaysIgnored is merged into every table.
var alwaysIgnored = []string{protocol.TypePong, protocol.TypeConnected, protocol.TypeDisconnected}

// Sink receives routed state changes. *pipeline.Store implements it.
type Sink interface {
	Append(stage string, e protocol.ProgressEvent) error
	Finish(stage string, e protocol.ProgressEvent) error
	SetActiveID(stage, id string) error
}

// Source is the event connection a router mounts on. *realtime.Client implements it.
type Source interface {
	On(eventType string, h realtime.Handler) (unsubscribe func())
	Connect(token string)
	Disconnect()
}

// Router binds one Table to one Source and one Sink.
type Router struct {
	src     Source
	sink    Sink
	table   Table
	ignored map[string]struct{}
	now     func() time.Time

	mu    sync.Mutex
	unsub func()
}

// Option configures a Router.
type Option func(*Router)

// WithNow replaces the timestamp source for progress records.
func WithNow(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates an unmounted router.
func New(src Source, sink Sink, table Table, opts ...Option) *Router {
	r := &Router{
		src:     src,
		sink:    sink,
		table:   table,
		ignored: lo.SliceToMap(lo.Union(table.Ignored, alwaysIgnored), func(t string) (string, struct{}) { return t, struct{}{} }),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mount subscribes to every frame and connects with token. Mounting an already
// mounted router reconnects with the new token.
func (r *Router) Mount(token string) error {
	if err := auth.Check(token, r.now()); err != nil {
		return err
	}

	r.mu.Lock()
	if r.unsub == nil {
		r.unsub = r.src.On(protocol.Wildcard, r.Handle)
	}
	r.mu.Unlock()

	r.src.Connect(token)
	getLog().Debug().Int("channels", len(r.table.Channels)).Msg("Router mounted")
	return nil
}

// Unmount removes the subscription and disconnects without reconnecting.
func (r *Router) Unmount() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	r.src.Disconnect()
}

// Mounted reports whether the router holds a subscription.
func (r *Router) Mounted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsub != nil
}

// Handle routes one frame. Frames of unknown type change nothing.
func (r *Router) Handle(f protocol.Frame) {
	typ := f.Type()
	if _, ok := r.ignored[typ]; ok {
		return
	}

	routed := false
	if stage, ok := r.table.Channels[f.RoutingKey()]; ok {
		routed = true
		if err := r.sink.Append(stage, protocol.NewProgressEvent(f, r.now())); err != nil {
			getLog().Error().Err(err).Str("type", typ).Msg("Failed to append progress")
		}
	}

	if term, ok := r.table.Terminals[typ]; ok {
		routed = true
		r.finish(term, f)
	}

	if !routed {
		getLog().Debug().Str("type", typ).Str("channel", f.Channel()).Msg("Ignoring unrouted frame")
	}
}

func (r *Router) finish(term Terminal, f protocol.Frame) {
	e := protocol.ProgressEvent{
		Type:   f.Type(),
		Status: term.Outcome.Status(),
		At:     r.now(),
	}
	switch term.Outcome {
	case protocol.OutcomeComplete:
		e.Phase = protocol.PhaseComplete
		e.Detail = f.String(protocol.FieldDetail)
		if e.Detail == "" {
			e.Detail = term.Detail
		}
	case protocol.OutcomeFailed:
		e.Error = f.ErrorMessage()
	}

	if term.SeedKey != "" {
		if id := f.ResultString(term.SeedKey); id != "" {
			if err := r.sink.SetActiveID(term.Stage, id); err != nil {
				getLog().Error().Err(err).Str("stage", term.Stage).Msg("Failed to record run id")
			}
		}
	}
	if err := r.sink.Finish(term.Stage, e); err != nil {
		getLog().Error().Err(err).Str("stage", term.Stage).Msg("Failed to finish stage")
		return
	}
	getLog().Info().Str("stage", term.Stage).Str("status", string(e.Status)).Msg("Stage finished")
}

// StageTerminals builds the three terminal entries for a stage whose event types
// are prefix_complete, prefix_failed and prefix_cancelled.
func StageTerminals(prefix, stage, detail, seedKey string) map[string]Terminal {
	out := make(map[string]Terminal, 3)
	for _, o := range []protocol.Outcome{protocol.OutcomeComplete, protocol.OutcomeFailed, protocol.OutcomeCancelled} {
		t := Terminal{Stage: stage, Outcome: o}
		if o == protocol.OutcomeComplete {
			t.Detail = detail
			t.SeedKey = seedKey
		}
		out[protocol.TerminalType(prefix, o)] = t
	}
	return out
}

// Merge combines terminal maps.
func Merge(maps ...map[string]Terminal) map[string]Terminal {
	return lo.Assign(maps...)
}
