// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package features declares the pipelines the dashboard follows. Each Feature is pure
// data: its stages, their wire names and REST endpoints. The router table, the store
// and the start/cancel actions are all derived from it.
package features

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/noldarim/ctxdash/internal/pipeline"
	"github.com/noldarim/ctxdash/internal/router"
)

// Stage is one step of a feature pipeline.
type Stage struct {
	Name      string
	Channel   string // routing key of streamed progress
	Prefix    string // terminal event types are Prefix_complete|failed|cancelled
	Detail    string // summary detail when the complete event has none
	SeedKey   string // result field carrying this stage's run id
	StartPath string
	Requires  string // stage whose active id must be sent when starting this one
}

// Feature is a named pipeline.
type Feature struct {
	Name       string
	Title      string
	Stages     []Stage
	CancelPath string
}

// Stage looks a stage up by name.
func (f Feature) Stage(name string) (Stage, bool) {
	return lo.Find(f.Stages, func(s Stage) bool { return s.Name == name })
}

// StageNames lists stages in pipeline order.
func (f Feature) StageNames() []string {
	return lo.Map(f.Stages, func(s Stage, _ int) string { return s.Name })
}

// NewStore creates an empty store with the feature's stages.
func (f Feature) NewStore() *pipeline.Store {
	return pipeline.NewStore(f.StageNames()...)
}

// Table builds the routing table.
func (f Feature) Table() router.Table {
	channels := make(map[string]string, len(f.Stages))
	terminals := make([]map[string]router.Terminal, 0, len(f.Stages))
	for _, s := range f.Stages {
		channels[s.Channel] = s.Name
		terminals = append(terminals, router.StageTerminals(s.Prefix, s.Name, s.Detail, s.SeedKey))
	}
	return router.Table{
		Channels:  channels,
		Terminals: router.Merge(terminals...),
	}
}

var registry = map[string]Feature{}

func register(f Feature) Feature {
	if _, dup := registry[f.Name]; dup {
		panic(fmt.Sprintf("feature %q registered twice", f.Name))
	}
	registry[f.Name] = f
	return f
}

// Lookup returns a registered feature.
func Lookup(name string) (Feature, error) {
	f, ok := registry[name]
	if !ok {
		return Feature{}, fmt.Errorf("unknown feature %q (known: %v)", name, Names())
	}
	return f, nil
}

// All returns every registered feature sorted by name.
func All() []Feature {
	out := lo.Values(registry)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted feature names.
func Names() []string {
	return lo.Map(All(), func(f Feature, _ int) string { return f.Name })
}
