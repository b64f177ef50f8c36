// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noldarim/ctxdash/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetDevBackendLogger()
		log = &l
	})
	return log
}

// EventBroadcaster reads every frame produced by scenario runs and fans it out
// to the connected WebSocket clients.
type EventBroadcaster struct {
	frames  <-chan Outbound
	clients *ClientRegistry
}

// NewEventBroadcaster creates a broadcaster over the run player's output channel.
func NewEventBroadcaster(frames <-chan Outbound, clients *ClientRegistry) *EventBroadcaster {
	return &EventBroadcaster{
		frames:  frames,
		clients: clients,
	}
}

// Run reads frames until the channel is closed or context is cancelled.
func (b *EventBroadcaster) Run(ctx context.Context) {
	for {
		select {
		case out, ok := <-b.frames:
			if !ok {
				getLog().Info().Msg("Event broadcaster stopped (channel closed)")
				return
			}
			b.dispatch(out)
		case <-ctx.Done():
			getLog().Info().Msg("Event broadcaster stopped (context cancelled)")
			return
		}
	}
}

func (b *EventBroadcaster) dispatch(out Outbound) {
	if b.clients != nil {
		b.clients.Broadcast(out)
	}
}
