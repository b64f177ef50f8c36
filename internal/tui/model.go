// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/noldarim/ctxdash/internal/apiclient"
	"github.com/noldarim/ctxdash/internal/features"
	"github.com/noldarim/ctxdash/internal/pipeline"
	"github.com/noldarim/ctxdash/internal/protocol"
	"github.com/noldarim/ctxdash/internal/tui/components/stageprogress"
	"github.com/noldarim/ctxdash/internal/tui/layout"
)

const (
	logTail        = 8
	requestTimeout = 10 * time.Second
)

// StageRunner starts and cancels stages. *features.Runner implements it.
type StageRunner interface {
	Start(ctx context.Context, stage string, params map[string]any) (*apiclient.StartResponse, error)
	CancelRunning(ctx context.Context) error
}

// Session is the realtime subscription the view owns. *router.Router implements it.
type Session interface {
	Mount(token string) error
	Unmount()
}

// SnapshotMsg carries new store state into the program.
type SnapshotMsg pipeline.Snapshot

// ConnMsg reports realtime connection changes.
type ConnMsg struct{ Connected bool }

type mountedMsg struct{ err error }

type startedMsg struct {
	stage string
	runID string
	err   error
}

type cancelledMsg struct {
	err  error
	quit bool
}

// Model is the progress view for one feature.
type Model struct {
	feature features.Feature
	runner  StageRunner
	session Session
	token   string
	params  map[string]any

	keys     keyMap
	help     help.Model
	spinner  spinner.Model
	progress stageprogress.Model

	snap      pipeline.Snapshot
	connected bool
	cursor    int
	status    string
	err       error
	width     int
	quitting  bool
}

// NewModel creates the view. The initial snapshot avoids a blank first frame.
func NewModel(f features.Feature, runner StageRunner, session Session, token string, initial pipeline.Snapshot) Model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot

	m := Model{
		feature:  f,
		runner:   runner,
		session:  session,
		token:    token,
		keys:     defaultKeyMap(),
		help:     help.New(),
		spinner:  sp,
		progress: stageprogress.New().SetWidth(24),
	}
	return m.applySnapshot(initial)
}

// WithParams sets the request body sent with every stage start.
func (m Model) WithParams(params map[string]any) Model {
	m.params = params
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.mountCmd(), m.spinner.Tick)
}

func (m Model) mountCmd() tea.Cmd {
	session, token := m.session, m.token
	return func() tea.Msg {
		return mountedMsg{err: session.Mount(token)}
	}
}

func (m Model) startCmd(stage string) tea.Cmd {
	runner, params := m.runner, m.params
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		resp, err := runner.Start(ctx, stage, params)
		msg := startedMsg{stage: stage, err: err}
		if resp != nil {
			msg.runID = resp.RunID
		}
		return msg
	}
}

func (m Model) cancelCmd(quit bool) tea.Cmd {
	runner := m.runner
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return cancelledMsg{err: runner.CancelRunning(ctx), quit: quit}
	}
}

func (m Model) quitCmd() tea.Cmd {
	session := m.session
	return func() tea.Msg {
		session.Unmount()
		return tea.QuitMsg{}
	}
}

func (m Model) applySnapshot(snap pipeline.Snapshot) Model {
	m.snap = snap
	m.progress = m.progress.SetStages(stageprogress.FromSnapshot(snap)).SetSelected(m.cursor)
	return m
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		m.progress = m.progress.SetWidth(max(10, msg.Width/3))
		return m, nil

	case mountedMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("cannot open realtime session: %w", msg.err)
		}
		return m, nil

	case ConnMsg:
		m.connected = msg.Connected
		return m, nil

	case SnapshotMsg:
		return m.applySnapshot(pipeline.Snapshot(msg)), nil

	case startedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.status = fmt.Sprintf("Started %s", msg.stage)
		if msg.runID != "" {
			m.status += " (" + msg.runID + ")"
		}
		return m, nil

	case cancelledMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.status = "Cancellation requested"
		}
		if msg.quit {
			return m, m.quitCmd()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.quitting {
		return m, nil
	}
	switch {
	case key.Matches(msg, m.keys.Interrupt):
		m.quitting = true
		m.status = "Cancelling running stages…"
		return m, m.cancelCmd(true)

	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, m.quitCmd()

	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
		m.progress = m.progress.SetSelected(m.cursor)

	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.feature.Stages)-1 {
			m.cursor++
		}
		m.progress = m.progress.SetSelected(m.cursor)

	case key.Matches(msg, m.keys.Start):
		if len(m.feature.Stages) == 0 {
			return m, nil
		}
		stage := m.feature.Stages[m.cursor].Name
		m.status = "Starting " + stage + "…"
		return m, m.startCmd(stage)

	case key.Matches(msg, m.keys.Cancel):
		return m, m.cancelCmd(false)
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	conn := layout.StatsStyle.Render("○ offline")
	if m.connected {
		conn = layout.StatusStyle.Render("● live")
	}
	b.WriteString(layout.HeaderStyle.Render("ctxdash · "+m.feature.Title) + "  " + conn + "\n\n")

	b.WriteString(m.progress.View())
	b.WriteString("\n\n")

	if len(m.feature.Stages) > 0 {
		selected := m.feature.Stages[m.cursor].Name
		st, _ := m.snap.Stage(selected)
		title := selected + " log"
		if st.Running {
			title = m.spinner.View() + " " + title
		}
		b.WriteString(layout.TitleStyle.Render(title) + "\n")
		b.WriteString(layout.GetDivider(max(20, m.width/2)) + "\n")
		log := st.Log
		if len(log) > logTail {
			log = log[len(log)-logTail:]
		}
		if len(log) == 0 {
			b.WriteString(layout.StatsStyle.Render("no progress yet") + "\n")
		}
		for _, e := range log {
			b.WriteString(formatEntry(e) + "\n")
		}
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString(layout.ErrorStyle.Render("Error: "+m.err.Error()) + "\n")
	} else if m.status != "" {
		b.WriteString(layout.StatsStyle.Render(m.status) + "\n")
	}

	b.WriteString(layout.FooterStyle.Render(m.help.View(m.keys)))
	return b.String()
}

func formatEntry(e protocol.ProgressEvent) string {
	parts := make([]string, 0, 4)
	if !e.At.IsZero() {
		parts = append(parts, layout.StatsStyle.Render(e.At.Format("15:04:05")))
	}
	if e.Phase != "" {
		parts = append(parts, e.Phase)
	}
	if e.Status != "" {
		parts = append(parts, string(e.Status))
	}
	switch {
	case e.Error != "":
		parts = append(parts, layout.ErrorStyle.Render(e.Error))
	case e.Detail != "":
		parts = append(parts, e.Detail)
	}
	return strings.Join(parts, "  ")
}
