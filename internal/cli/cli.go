// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/noldarim/ctxdash/internal/apiclient"
	"github.com/noldarim/ctxdash/internal/auth"
	"github.com/noldarim/ctxdash/internal/config"
	"github.com/noldarim/ctxdash/internal/features"
	"github.com/noldarim/ctxdash/internal/logger"
	"github.com/noldarim/ctxdash/internal/tui"
)

const appName = "ctxdash"

// appVersion is overridden at build time with -ldflags "-X ...cli.appVersion=...".
var appVersion = "0.1.0-alpha"

// app carries what every command needs once flags are parsed.
type app struct {
	configPath string
	logLevels  map[string]string
	cfg        *config.AppConfig
	out        io.Writer
	errOut     io.Writer
}

// Execute runs the CLI application and prints any error to stderr.
func Execute() error {
	err := NewRootCommand(os.Stdout, os.Stderr).Execute()
	if err != nil {
		tui.PrintError(os.Stderr, err)
	}
	return err
}

// NewRootCommand builds the command tree writing to out and errOut.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Live progress for context-engine pipelines",
		Long:          fmt.Sprintf("%s follows long-running backend stages (extraction, analysis, generation)\nover a reconnecting realtime connection.", appName),
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logger.CloseGlobal()
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetVersionTemplate(appName + " version {{.Version}}\n")
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to config file (default: search ./ctxdash.yaml, ~/.ctxdash)")
	root.PersistentFlags().StringToStringVar(&a.logLevels, "log-level", nil, "Per-package log level overrides, e.g. realtime=debug,router=trace")

	root.AddCommand(
		newLoginCommand(a),
		newLogoutCommand(a),
		newWhoamiCommand(a),
		newWatchCommand(a),
		newRunCommand(a),
		newDevBackendCommand(a),
		newFeaturesCommand(a),
		newVersionCommand(a),
	)
	return root
}

// load reads configuration and installs the logger. Commands that stream logs to the
// terminal reinstall it afterwards.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.NewConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg

	if err := logger.Initialize(&cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	for _, pkg := range sortedKeys(a.logLevels) {
		logger.SetPackageLevel(pkg, a.logLevels[pkg])
	}
	log := logger.GetLogger("cli")
	log.Debug().Str("command", cmd.CommandPath()).Msg("Command started")
	return nil
}

func (a *app) tokens() *auth.TokenStore {
	return auth.NewTokenStore(a.cfg.Auth.TokenFile)
}

// session loads the saved token and rejects it early when it has expired.
func (a *app) session() (string, error) {
	token, err := a.tokens().Load()
	if err != nil {
		return "", fmt.Errorf("%w: run '%s login' first", err, appName)
	}
	if err := auth.Check(token, timeNow()); err != nil {
		return "", fmt.Errorf("%w: run '%s login' again", err, appName)
	}
	return token, nil
}

func (a *app) api(token string) *apiclient.Client {
	return apiclient.New(a.cfg.Backend, apiclient.WithToken(token))
}

// requestContext bounds one REST call by backend.request_timeout when it is set.
func (a *app) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.Backend.RequestTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, a.cfg.Backend.RequestTimeout)
}

func lookupFeature(name string) (features.Feature, error) {
	f, err := features.Lookup(name)
	if err != nil {
		return features.Feature{}, fmt.Errorf("unknown feature %q (available: %s)", name, strings.Join(features.Names(), ", "))
	}
	return f, nil
}

func completeFeatures(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return features.Names(), cobra.ShellCompDirectiveNoFileComp
}

func newFeaturesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "features",
		Short: "List features and their stages",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			for _, f := range features.All() {
				fmt.Fprintf(a.out, "%-14s %s\n", f.Name, f.Title)
				for _, s := range f.Stages {
					line := "  - " + s.Name
					if s.Requires != "" {
						line += " (after " + s.Requires + ")"
					}
					fmt.Fprintln(a.out, line)
				}
			}
			return nil
		},
	}
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Skip config loading so version works with a broken config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(a.out, "%s version %s\n", appName, appVersion)
		},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
