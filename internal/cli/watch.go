// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/noldarim/ctxdash/internal/tui"
)

func newWatchCommand(a *app) *cobra.Command {
	in := requestInput{}
	cmd := &cobra.Command{
		Use:               "watch <feature>",
		Short:             "Open the live progress view for a feature",
		Long:              "Open the live progress view. Select a stage and press enter to start it; ctrl+c cancels running stages and quits.",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeFeatures,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := lookupFeature(args[0])
			if err != nil {
				return err
			}
			params, seeds, err := in.resolve(f)
			if err != nil {
				return err
			}
			token, err := a.session()
			if err != nil {
				return err
			}
			w, err := a.wire(f, token, seeds)
			if err != nil {
				return err
			}

			// Ctrl+C arrives as a key inside the view; only SIGTERM ends it from outside.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			return tui.Run(ctx, tui.Options{
				Feature: f,
				Store:   w.store,
				Runner:  w.runner,
				Session: w.router,
				Conn:    w.realtime,
				Token:   token,
				Params:  params,
			})
		},
	}
	cmd.Flags().StringVarP(&in.runFile, "file", "f", "", "YAML run file with params and seeds")
	cmd.Flags().StringArrayVar(&in.params, "param", nil, "Request parameter key=value (repeatable)")
	cmd.Flags().StringArrayVar(&in.seeds, "seed", nil, "Upstream run id stage=id (repeatable)")
	return cmd
}
