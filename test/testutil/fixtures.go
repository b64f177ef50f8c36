// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

import (
	"time"

	"github.com/noldarim/ctxdash/internal/pipeline"
	"github.com/noldarim/ctxdash/internal/protocol"
)

// FixedTime is the timestamp every fixture record carries.
var FixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ProgressFrame builds a channel progress frame.
func ProgressFrame(typ, channel, phase, detail string, extra map[string]any) protocol.Frame {
	f := protocol.NewFrame(typ)
	f[protocol.FieldChannel] = channel
	f[protocol.FieldPhase] = phase
	f[protocol.FieldStatus] = string(protocol.StatusRunning)
	if detail != "" {
		f[protocol.FieldDetail] = detail
	}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

// CompleteFrame builds a "<prefix>_complete" frame carrying result fields.
func CompleteFrame(prefix, detail string, result map[string]any) protocol.Frame {
	f := protocol.NewFrame(protocol.TerminalType(prefix, protocol.OutcomeComplete))
	if detail != "" {
		f[protocol.FieldDetail] = detail
	}
	if result != nil {
		f[protocol.FieldResult] = result
	}
	return f
}

// FailedFrame builds a "<prefix>_failed" frame.
func FailedFrame(prefix, message string) protocol.Frame {
	f := protocol.NewFrame(protocol.TerminalType(prefix, protocol.OutcomeFailed))
	f[protocol.FieldError] = message
	return f
}

// Progress returns a running record with the given phase and detail.
func Progress(phase, detail string, progress float64) protocol.ProgressEvent {
	return protocol.ProgressEvent{
		Type:    "progress",
		Phase:   phase,
		Status:  protocol.StatusRunning,
		Detail:  detail,
		Payload: map[string]any{"progress": progress},
		At:      FixedTime,
	}
}

// Terminal returns the summary record the router appends for an outcome.
func Terminal(o protocol.Outcome, detail, errMsg string) protocol.ProgressEvent {
	return protocol.ProgressEvent{
		Type:   "terminal",
		Phase:  protocol.PhaseComplete,
		Status: o.Status(),
		Detail: detail,
		Error:  errMsg,
		At:     FixedTime,
	}
}

// StoreWith builds a store for stages and applies fn to it before returning.
func StoreWith(stages []string, fn func(s *pipeline.Store)) *pipeline.Store {
	s := pipeline.NewStore(stages...)
	if fn != nil {
		fn(s)
	}
	return s
}
