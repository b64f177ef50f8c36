// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package features

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noldarim/ctxdash/internal/apiclient"
	"github.com/noldarim/ctxdash/internal/logger"
	"github.com/noldarim/ctxdash/internal/pipeline"
	"github.com/noldarim/ctxdash/internal/protocol"
)

// ErrMissingSeed means a stage was started before the stage it depends on produced a run id.
var ErrMissingSeed = errors.New("previous stage has no active run")

// Poster is the REST surface the runner needs. *apiclient.Client implements it.
type Poster interface {
	Post(ctx context.Context, path string, body, out any) error
}

// Runner starts and cancels stages of one feature against one store.
type Runner struct {
	feature Feature
	api     Poster
	store   *pipeline.Store
}

// NewRunner binds a feature to an API and a store.
func NewRunner(f Feature, api Poster, store *pipeline.Store) *Runner {
	return &Runner{feature: f, api: api, store: store}
}

// Store returns the state the runner's stages write to.
func (r *Runner) Store() *pipeline.Store {
	return r.store
}

// Start clears the stage log, marks it running and asks the backend to start it.
// Progress arrives over the realtime connection. params are sent as the request body,
// together with the required upstream run id.
func (r *Runner) Start(ctx context.Context, stageName string, params map[string]any) (*apiclient.StartResponse, error) {
	stage, ok := r.feature.Stage(stageName)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", pipeline.ErrUnknownStage, r.feature.Name, stageName)
	}

	body := make(map[string]any, len(params)+1)
	for k, v := range params {
		body[k] = v
	}
	if stage.Requires != "" {
		upstream, _ := r.feature.Stage(stage.Requires)
		id := r.store.ActiveID(stage.Requires)
		if id == "" {
			return nil, fmt.Errorf("%w: %s needs %s", ErrMissingSeed, stage.Name, upstream.Name)
		}
		body[upstream.SeedKey] = id
	}

	if err := r.store.Begin(stage.Name); err != nil {
		return nil, err
	}

	var resp apiclient.StartResponse
	if err := r.api.Post(ctx, stage.StartPath, body, &resp); err != nil {
		// The backend never started, so no terminal event will arrive.
		if ferr := r.store.Finish(stage.Name, protocol.ProgressEvent{
			Type:   protocol.TerminalType(stage.Prefix, protocol.OutcomeFailed),
			Status: protocol.StatusFailed,
			Error:  err.Error(),
			At:     time.Now(),
		}); ferr != nil {
			log := logger.GetFeaturesLogger()
			log.Error().Err(ferr).Str("stage", stage.Name).Msg("Failed to record start failure")
		}
		return nil, fmt.Errorf("failed to start %s: %w", stage.Name, err)
	}
	return &resp, nil
}

// Cancel asks the backend to cancel a stage. The stage only stops once the
// cancelled event comes back over the realtime connection.
func (r *Runner) Cancel(ctx context.Context, stageName string) error {
	if _, ok := r.feature.Stage(stageName); !ok {
		return fmt.Errorf("%w: %s/%s", pipeline.ErrUnknownStage, r.feature.Name, stageName)
	}
	body := map[string]any{"stage": stageName}
	if err := r.api.Post(ctx, r.feature.CancelPath, body, nil); err != nil {
		return fmt.Errorf("failed to cancel %s: %w", stageName, err)
	}
	return nil
}

// CancelRunning cancels every running stage and returns the first error.
func (r *Runner) CancelRunning(ctx context.Context) error {
	var firstErr error
	for _, name := range r.feature.StageNames() {
		if !r.store.Running(name) {
			continue
		}
		if err := r.Cancel(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
