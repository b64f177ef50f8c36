// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import "time"

// Status is the run state carried by a progress record.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// PhaseComplete marks the synthetic record appended when a stage terminates.
const PhaseComplete = "complete"

// Outcome is the terminal suffix of a stage event type.
type Outcome string

const (
	OutcomeComplete  Outcome = "complete"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Status maps an outcome to the status of its summary record.
func (o Outcome) Status() Status {
	switch o {
	case OutcomeComplete:
		return StatusDone
	case OutcomeFailed:
		return StatusFailed
	case OutcomeCancelled:
		return StatusCancelled
	default:
		return ""
	}
}

// TerminalType joins a stage event prefix and an outcome, e.g. "config_analysis" +
// complete -> "config_analysis_complete".
func TerminalType(prefix string, o Outcome) string {
	return prefix + "_" + string(o)
}

// ProgressEvent is one normalized entry of a stage's progress log.
type ProgressEvent struct {
	Type    string         `json:"type"`
	Channel string         `json:"channel,omitempty"`
	Phase   string         `json:"phase,omitempty"`
	Status  Status         `json:"status,omitempty"`
	Detail  string         `json:"detail,omitempty"`
	Error   string         `json:"error,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// NewProgressEvent normalizes a frame. Fields other than the well-known ones are
// kept in Payload.
func NewProgressEvent(f Frame, at time.Time) ProgressEvent {
	ev := ProgressEvent{
		Type:    f.Type(),
		Channel: f.Channel(),
		Phase:   f.String(FieldPhase),
		Status:  Status(f.String(FieldStatus)),
		Detail:  f.String(FieldDetail),
		Error:   f.ErrorMessage(),
		At:      at,
	}
	for k, v := range f {
		switch k {
		case FieldType, FieldChannel, FieldPhase, FieldStatus, FieldDetail, FieldError:
			continue
		}
		if ev.Payload == nil {
			ev.Payload = make(map[string]any)
		}
		ev.Payload[k] = v
	}
	return ev
}

// Terminal reports whether the record ends a run.
func (e ProgressEvent) Terminal() bool {
	return e.Status == StatusDone || e.Status == StatusFailed || e.Status == StatusCancelled
}
