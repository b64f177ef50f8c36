// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

type serverMetrics struct {
	connections prometheus.Gauge
	framesSent  *prometheus.CounterVec
	runs        *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ctxdash",
			Subsystem: "devbackend",
			Name:      "websocket_connections",
			Help:      "Open WebSocket connections",
		}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ctxdash",
			Subsystem: "devbackend",
			Name:      "frames_sent_total",
			Help:      "Frames queued to WebSocket clients by type",
		}, []string{"type"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ctxdash",
			Subsystem: "devbackend",
			Name:      "stage_runs_total",
			Help:      "Scripted stage runs by feature, stage and outcome",
		}, []string{"feature", "stage", "outcome"}),
	}
	reg.MustRegister(m.connections, m.framesSent, m.runs)
	return m
}
