// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"

	"github.com/noldarim/ctxdash/internal/features"
	"github.com/noldarim/ctxdash/internal/pipeline"
	"github.com/noldarim/ctxdash/internal/realtime"
	"github.com/noldarim/ctxdash/internal/router"
)

// wiring is one feature's client stack: a store fed by a router over a realtime client,
// and a runner posting to the REST API.
type wiring struct {
	feature  features.Feature
	store    *pipeline.Store
	realtime *realtime.Client
	router   *router.Router
	runner   *features.Runner
}

func (a *app) wire(f features.Feature, token string, seeds map[string]string) (*wiring, error) {
	wsURL, err := a.cfg.Backend.WebSocketURL()
	if err != nil {
		return nil, err
	}

	store := f.NewStore()
	if err := applySeeds(store, seeds); err != nil {
		return nil, fmt.Errorf("failed to apply seeds: %w", err)
	}

	rt := realtime.New(wsURL, a.cfg.Realtime)
	return &wiring{
		feature:  f,
		store:    store,
		realtime: rt,
		router:   router.New(rt, store, f.Table()),
		runner:   features.NewRunner(f, a.api(token), store),
	}, nil
}
