// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/noldarim/ctxdash/internal/features"
	"github.com/noldarim/ctxdash/internal/pipeline"
	"github.com/noldarim/ctxdash/internal/protocol"
	"github.com/noldarim/ctxdash/internal/realtime"
)

type runOptions struct {
	input          requestInput
	connectTimeout time.Duration
	cancelWait     time.Duration
}

func newRunCommand(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <feature> <stage>",
		Short: "Start a stage and stream its progress until it finishes",
		Example: `  ctxdash run configapis extraction --param source_url=https://petstore.example.com/openapi.yaml
  ctxdash run configapis analysis --seed extraction=7f3c2a
  ctxdash run databricks extraction -f databricks.yaml`,
		Args: cobra.ExactArgs(2),
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			if len(args) == 1 {
				if f, err := features.Lookup(args[0]); err == nil {
					return f.StageNames(), cobra.ShellCompDirectiveNoFileComp
				}
			}
			return completeFeatures(cmd, args, toComplete)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := lookupFeature(args[0])
			if err != nil {
				return err
			}
			if _, ok := f.Stage(args[1]); !ok {
				return fmt.Errorf("feature %s has no stage %q (stages: %s)", f.Name, args[1], strings.Join(f.StageNames(), ", "))
			}
			params, seeds, err := opts.input.resolve(f)
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

			// Before the stage starts an interrupt just exits; afterwards it cancels the stage.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runStage(ctx, w, token, args[1], params, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.input.runFile, "file", "f", "", "YAML run file with params and seeds")
	cmd.Flags().StringArrayVar(&opts.input.params, "param", nil, "Request parameter key=value (repeatable)")
	cmd.Flags().StringArrayVar(&opts.input.seeds, "seed", nil, "Upstream run id stage=id (repeatable)")
	cmd.Flags().DurationVar(&opts.connectTimeout, "connect-timeout", 15*time.Second, "How long to wait for the realtime connection")
	cmd.Flags().DurationVar(&opts.cancelWait, "cancel-wait", 30*time.Second, "How long to wait for a cancellation to be confirmed")
	return cmd
}

func (a *app) runStage(ctx context.Context, w *wiring, token, stage string, params map[string]any, opts *runOptions) error {
	connected := signalOn(w.realtime, protocol.TypeConnected)
	disconnected := signalOn(w.realtime, protocol.TypeDisconnected)
	defer connected.stop()
	defer disconnected.stop()

	if err := w.router.Mount(token); err != nil {
		return err
	}
	defer w.router.Unmount()

	select {
	case <-connected.ch:
	case <-time.After(opts.connectTimeout):
		return fmt.Errorf("realtime connection not established within %s", opts.connectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	changed := make(chan struct{}, 1)
	unsubscribe := w.store.Subscribe(func(pipeline.Snapshot) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	reqCtx, cancel := a.requestContext(ctx)
	resp, err := w.runner.Start(reqCtx, stage, params)
	cancel()
	if err != nil {
		return err
	}
	if resp.RunID != "" {
		fmt.Fprintf(a.out, "▸ %s started (run %s)\n", stage, resp.RunID)
	} else {
		fmt.Fprintf(a.out, "▸ %s started\n", stage)
	}

	done := ctx.Done()
	var deadline <-chan time.Time
	printed := 0
	for {
		select {
		case <-changed:
		case <-disconnected.ch:
			if w.realtime.State() == realtime.StateIdle {
				return errors.New("realtime connection lost; the stage may still be running on the backend")
			}
			fmt.Fprintln(a.out, "▸ Connection lost, reconnecting...")
			continue
		case <-done:
			done = nil
			fmt.Fprintf(a.out, "▸ Interrupted, cancelling %s...\n", stage)
			cctx, ccancel := context.WithTimeout(context.Background(), opts.cancelWait)
			err := w.runner.Cancel(cctx, stage)
			ccancel()
			if err != nil {
				return err
			}
			deadline = time.After(opts.cancelWait)
			continue
		case <-deadline:
			return fmt.Errorf("backend did not confirm cancellation of %s within %s", stage, opts.cancelWait)
		}

		log := w.store.Log(stage)
		for ; printed < len(log); printed++ {
			fmt.Fprintln(a.out, formatLine(stage, log[printed]))
		}
		if len(log) > 0 && !w.store.Running(stage) && log[len(log)-1].Terminal() {
			return a.finishStage(w, stage, log[len(log)-1])
		}
	}
}

func (a *app) finishStage(w *wiring, stage string, last protocol.ProgressEvent) error {
	switch last.Status {
	case protocol.StatusDone:
		if s, _ := w.feature.Stage(stage); s.SeedKey != "" {
			if id := w.store.ActiveID(stage); id != "" {
				fmt.Fprintf(a.out, "▸ %s=%s (continue with --seed %s=%s)\n", s.SeedKey, id, stage, id)
			}
		}
		return nil
	case protocol.StatusFailed:
		return fmt.Errorf("%s failed: %s", stage, last.Error)
	default:
		return fmt.Errorf("%s was cancelled", stage)
	}
}

func formatLine(stage string, e protocol.ProgressEvent) string {
	var b strings.Builder
	if !e.At.IsZero() {
		b.WriteString(e.At.Local().Format("15:04:05") + " ")
	}
	b.WriteString("[" + stage + "]")
	if e.Phase != "" {
		b.WriteString(" " + e.Phase)
	}
	if e.Status != "" {
		b.WriteString(" (" + string(e.Status) + ")")
	}
	if p, ok := e.Payload["progress"].(float64); ok {
		fmt.Fprintf(&b, " %3.0f%%", p*100)
	}
	switch {
	case e.Error != "":
		b.WriteString(" error: " + e.Error)
	case e.Detail != "":
		b.WriteString(" " + e.Detail)
	}
	return b.String()
}

// lifecycle is a one-slot notification fed by a realtime lifecycle frame.
type lifecycle struct {
	ch   chan struct{}
	stop func()
}

func signalOn(rt *realtime.Client, eventType string) lifecycle {
	ch := make(chan struct{}, 1)
	off := rt.On(eventType, func(protocol.Frame) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	return lifecycle{ch: ch, stop: off}
}
