// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/noldarim/ctxdash/internal/auth"
)

var timeNow = time.Now

type loginOptions struct {
	username string
	password string
}

func newLoginCommand(a *app) *cobra.Command {
	opts := &loginOptions{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session token",
		Long:  "Sign in against the backend. Missing credentials are asked for interactively.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.username == "" || opts.password == "" {
				if err := promptCredentials(opts); err != nil {
					return err
				}
			}
			return a.login(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.username, "username", "u", "", "Username")
	cmd.Flags().StringVarP(&opts.password, "password", "p", "", "Password (prompted when omitted)")
	return cmd
}

func promptCredentials(opts *loginOptions) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Key("username").
				Title("Username").
				Value(&opts.username).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("username is required")
					}
					return nil
				}),

			huh.NewInput().
				Key("password").
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&opts.password),
		),
	).WithTheme(huh.ThemeCharm())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return errors.New("login aborted")
		}
		return fmt.Errorf("failed to read credentials: %w", err)
	}
	return nil
}

func (a *app) login(ctx context.Context, opts *loginOptions) error {
	ctx, cancel := a.requestContext(ctx)
	defer cancel()

	sess, err := a.api("").Login(ctx, opts.username, opts.password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if err := a.tokens().Save(sess.AccessToken); err != nil {
		return err
	}

	name := sess.User.Username
	if name == "" {
		name = opts.username
	}
	fmt.Fprintf(a.out, "Logged in as %s\n", name)
	if info, ok := auth.Inspect(sess.AccessToken); ok && !info.ExpiresAt.IsZero() {
		fmt.Fprintf(a.out, "Session expires %s\n", info.ExpiresAt.Local().Format(time.RFC1123))
	}
	return nil
}

func newLogoutCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored session token",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if err := a.tokens().Clear(); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Logged out")
			return nil
		},
	}
}

func newWhoamiCommand(a *app) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := a.tokens().Load()
			if err != nil {
				if errors.Is(err, auth.ErrNoToken) {
					fmt.Fprintln(a.out, "Not logged in")
					return nil
				}
				return err
			}

			if info, ok := auth.Inspect(token); ok {
				fmt.Fprintf(a.out, "Token subject: %s\n", info.Subject)
				if !info.ExpiresAt.IsZero() {
					state := "valid until"
					if auth.Expired(token, timeNow()) {
						state = "expired at"
					}
					fmt.Fprintf(a.out, "Token %s %s\n", state, info.ExpiresAt.Local().Format(time.RFC1123))
				}
			} else {
				fmt.Fprintln(a.out, "Token is opaque")
			}
			if offline {
				return nil
			}

			ctx, cancel := a.requestContext(cmd.Context())
			defer cancel()
			me, err := a.api(token).Me(ctx)
			if err != nil {
				return fmt.Errorf("backend rejected the session: %w", err)
			}
			fmt.Fprintf(a.out, "Backend user: %s\n", me.Username)
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Only decode the stored token")
	return cmd
}
