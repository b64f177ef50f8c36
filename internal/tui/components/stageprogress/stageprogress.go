// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package stageprogress

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/noldarim/ctxdash/internal/pipeline"
	"github.com/noldarim/ctxdash/internal/protocol"
)

// StageStatus represents the status of a stage
type StageStatus int

const (
	StatusPending StageStatus = iota
	StatusRunning
	StatusDone
	StatusFailed
	StatusCancelled
)

func (s StageStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// Stage is one row of the progress view
type Stage struct {
	Name     string
	Status   StageStatus
	Fraction float64
	Detail   string
}

// FromSnapshot derives rows from store state. The fraction comes from the
// "progress" payload field of the latest record that carries one.
func FromSnapshot(snap pipeline.Snapshot) []Stage {
	out := make([]Stage, 0, len(snap.Stages))
	for _, st := range snap.Stages {
		row := Stage{Name: st.Name}
		switch {
		case st.Running:
			row.Status = StatusRunning
		case st.Outcome() == protocol.StatusDone:
			row.Status = StatusDone
		case st.Outcome() == protocol.StatusFailed:
			row.Status = StatusFailed
		case st.Outcome() == protocol.StatusCancelled:
			row.Status = StatusCancelled
		}

		for i := len(st.Log) - 1; i >= 0; i-- {
			if p, ok := st.Log[i].Payload["progress"].(float64); ok {
				row.Fraction = p
				break
			}
		}
		if row.Status == StatusDone {
			row.Fraction = 1
		}

		if last, ok := st.Last(); ok {
			row.Detail = last.Detail
			if last.Error != "" {
				row.Detail = last.Error
			}
		}
		out = append(out, row)
	}
	return out
}

// Model represents the stage progress component
type Model struct {
	stages   []Stage
	selected int
	width    int
	bar      progress.Model
}

// New creates a new stage progress model
func New() Model {
	return Model{
		width: 20,
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

// SetStages sets the list of stages
func (m Model) SetStages(stages []Stage) Model {
	m.stages = stages
	return m
}

// Stages returns the current rows
func (m Model) Stages() []Stage {
	return m.stages
}

// SetSelected marks the highlighted row
func (m Model) SetSelected(i int) Model {
	m.selected = i
	return m
}

// SetWidth sets the progress bar width
func (m Model) SetWidth(w int) Model {
	if w < 5 {
		w = 5
	}
	m.width = w
	m.bar.Width = w
	return m
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	return m, nil
}

// View renders one line per stage:  > extraction  [████░░░░] running  Scanning…
func (m Model) View() string {
	if len(m.stages) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	accent := lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	success := lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	failure := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	nameWidth := 0
	for _, s := range m.stages {
		nameWidth = max(nameWidth, len(s.Name))
	}

	bar := m.bar
	bar.Width = m.width

	lines := make([]string, 0, len(m.stages))
	for i, s := range m.stages {
		cursor := "  "
		if i == m.selected {
			cursor = accent.Render("> ")
		}

		var status string
		switch s.Status {
		case StatusRunning:
			status = accent.Render(s.Status.String())
		case StatusDone:
			status = success.Render("done ✓")
		case StatusFailed:
			status = failure.Render("failed ✗")
		case StatusCancelled:
			status = dim.Render("cancelled")
		default:
			status = dim.Render(s.Status.String())
		}

		line := fmt.Sprintf("%s%-*s [%s] %s", cursor, nameWidth, s.Name, bar.ViewAs(s.Fraction), status)
		if s.Detail != "" {
			line += "  " + dim.Render(s.Detail)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
