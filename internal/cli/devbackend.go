// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noldarim/ctxdash/internal/logger"
	"github.com/noldarim/ctxdash/internal/server"
)

type devBackendOptions struct {
	host        string
	port        int
	scenarioDir string
	speed       float64
}

func newDevBackendCommand(a *app) *cobra.Command {
	opts := &devBackendOptions{}
	cmd := &cobra.Command{
		Use:   "devbackend",
		Short: "Serve a scripted backend for local development",
		Long: `Serve the login, stage and realtime endpoints locally. Stage runs replay
YAML scenarios; use --scenarios to point at your own.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serveDevBackend(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "", "Listen host (overrides dev_backend.host)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "Listen port (overrides dev_backend.port)")
	cmd.Flags().StringVar(&opts.scenarioDir, "scenarios", "", "Directory of scenario YAML files (overrides dev_backend.scenario_dir)")
	cmd.Flags().Float64Var(&opts.speed, "speed", 1, "Playback speed multiplier for scenario delays")
	return cmd
}

func (a *app) serveDevBackend(cmd *cobra.Command, opts *devBackendOptions) error {
	cfg := a.cfg.DevBackend
	if opts.host != "" {
		cfg.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Port = opts.port
	}
	if opts.scenarioDir != "" {
		cfg.ScenarioDir = opts.scenarioDir
	}
	if opts.speed <= 0 {
		return fmt.Errorf("--speed must be positive, got %v", opts.speed)
	}

	// The server owns the terminal, so log there as well.
	logger.InitializeWithWriter(&a.cfg.Log, zerolog.ConsoleWriter{Out: a.errOut, TimeFormat: "15:04:05.000"})
	mainLog := logger.GetLogger("main")

	scenarios, err := server.LoadScenarios(cfg.ScenarioDir)
	if err != nil {
		return err
	}
	mainLog.Info().Int("scenarios", len(scenarios)).Str("dir", cfg.ScenarioDir).Msg("Scenarios loaded")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	srv := server.New(&cfg, scenarios, server.WithSpeed(opts.speed))
	fmt.Fprintf(a.out, "Dev backend on http://%s (ws path /api/ws)\n", cfg.Addr())

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run(ctx)
	}()

	// Wait for signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Server error")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown: fresh context with timeout, independent of the run context.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down server")
		return err
	}
	cancel()
	mainLog.Info().Msg("Dev backend shut down")
	return nil
}
