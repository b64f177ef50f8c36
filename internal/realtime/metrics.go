// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package realtime

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	framesReceived prometheus.Counter
	framesDropped  prometheus.Counter
	reconnects     prometheus.Counter
	sendsDropped   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ctxdash",
			Subsystem: "realtime",
			Name:      "frames_received_total",
			Help:      "Text frames read from the realtime connection",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ctxdash",
			Subsystem: "realtime",
			Name:      "frames_dropped_total",
			Help:      "Frames discarded because they were not a JSON object",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ctxdash",
			Subsystem: "realtime",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after a drop",
		}),
		sendsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ctxdash",
			Subsystem: "realtime",
			Name:      "sends_dropped_total",
			Help:      "Outbound messages discarded because the socket was not open",
		}),
	}
	if reg == nil {
		return m
	}
	m.framesReceived = register(reg, m.framesReceived)
	m.framesDropped = register(reg, m.framesDropped)
	m.reconnects = register(reg, m.reconnects)
	m.sendsDropped = register(reg, m.sendsDropped)
	return m
}

// register shares counters between clients registered on the same registry.
func register(reg prometheus.Registerer, c prometheus.Counter) prometheus.Counter {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing
			}
		}
		getLog().Warn().Err(err).Msg("Failed to register realtime metric")
	}
	return c
}
