// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"

	"github.com/noldarim/ctxdash/internal/features"
	"github.com/noldarim/ctxdash/internal/logger"
	"github.com/noldarim/ctxdash/internal/pipeline"
	"github.com/noldarim/ctxdash/internal/protocol"
	"github.com/noldarim/ctxdash/internal/realtime"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetTUILogger()
		log = &l
	})
	return log
}

// ConnSource reports connection lifecycle frames. *realtime.Client implements it.
type ConnSource interface {
	On(eventType string, h realtime.Handler) func()
}

// Options wires a feature view to its collaborators.
type Options struct {
	Feature features.Feature
	Store   *pipeline.Store
	Runner  StageRunner
	Session Session
	Conn    ConnSource
	Token   string
	Params  map[string]any
	Output  io.Writer // nil means the terminal
}

// Run shows the progress view until the user quits or ctx ends.
func Run(ctx context.Context, opts Options) error {
	model := NewModel(opts.Feature, opts.Runner, opts.Session, opts.Token, opts.Store.Snapshot()).
		WithParams(opts.Params)

	progOpts := []tea.ProgramOption{tea.WithContext(ctx)}
	if opts.Output != nil {
		progOpts = append(progOpts, tea.WithOutput(opts.Output))
	} else {
		progOpts = append(progOpts, tea.WithAltScreen())
	}
	p := tea.NewProgram(model, progOpts...)

	filter := NewSnapshotFilter()
	unsubscribe := opts.Store.Subscribe(func(snap pipeline.Snapshot) {
		if filter.ShouldProcess(snap) {
			p.Send(SnapshotMsg(snap))
		}
	})
	defer unsubscribe()

	if opts.Conn != nil {
		offUp := opts.Conn.On(protocol.TypeConnected, func(protocol.Frame) { p.Send(ConnMsg{Connected: true}) })
		offDown := opts.Conn.On(protocol.TypeDisconnected, func(protocol.Frame) { p.Send(ConnMsg{Connected: false}) })
		defer offUp()
		defer offDown()
	}

	getLog().Info().Str("feature", opts.Feature.Name).Msg("Progress view started")
	final, err := p.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			// Cancelled from outside; the session is still mounted.
			opts.Session.Unmount()
			return ctx.Err()
		}
		return err
	}
	if m, ok := final.(Model); ok && m.err != nil {
		getLog().Warn().Err(m.err).Msg("Progress view closed with error")
	}
	return nil
}

// PrintError renders err in the terminal error style.
func PrintError(w io.Writer, err error) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("196"))
	fmt.Fprintln(w, style.Render("Error: "+err.Error()))
}
