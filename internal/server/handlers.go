// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/noldarim/ctxdash/internal/apiclient"
	"github.com/noldarim/ctxdash/internal/auth"
	"github.com/noldarim/ctxdash/internal/features"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	player   *Player
	registry *ClientRegistry
	secret   string
	ttl      time.Duration
	users    map[string]string
}

// NewHandlers creates the handler set.
func NewHandlers(player *Player, registry *ClientRegistry, secret string, ttl time.Duration, users map[string]string) *Handlers {
	return &Handlers{player: player, registry: registry, secret: secret, ttl: ttl, users: users}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// errorBody uses the backend's {"detail": ...} error shape.
func errorBody(msg string) map[string]string {
	return map[string]string{"detail": msg}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// --- auth ---

// Login handles POST /api/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	want, ok := h.users[req.Username]
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(req.Password)) != 1 {
		writeJSON(w, http.StatusUnauthorized, errorBody("Invalid credentials"))
		return
	}

	token, err := auth.Issue(h.secret, req.Username, h.ttl)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("Failed to issue token"))
		return
	}
	writeJSON(w, http.StatusOK, apiclient.Session{
		AccessToken: token,
		TokenType:   "bearer",
		User:        apiclient.User{Username: req.Username},
	})
}

// Me handles GET /api/auth/me
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiclient.User{Username: GetUsername(r.Context())})
}

// Health handles GET /healthz
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "websocket_clients": h.registry.Count()})
}

// --- stages ---

// StartStage returns the handler for a stage's start endpoint. A stage that depends
// on an upstream stage requires the upstream run id in the body.
func (h *Handlers) StartStage(f features.Feature, stage features.Stage) http.HandlerFunc {
	var requiredKey string
	if stage.Requires != "" {
		upstream, _ := f.Stage(stage.Requires)
		requiredKey = upstream.SeedKey
	}

	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{}
		if err := decodeBody(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		if requiredKey != "" {
			if id, _ := body[requiredKey].(string); id == "" {
				writeJSON(w, http.StatusUnprocessableEntity, errorBody(requiredKey+" is required"))
				return
			}
		}

		runID, err := h.player.Start(GetUsername(r.Context()), f, stage)
		if errors.Is(err, ErrAlreadyRunning) {
			writeJSON(w, http.StatusConflict, errorBody(fmt.Sprintf("%s %s is already running", f.Title, stage.Name)))
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
			return
		}
		writeJSON(w, http.StatusAccepted, apiclient.StartResponse{Status: "started", RunID: runID})
	}
}

// CancelStage returns the handler for a feature's cancel endpoint.
func (h *Handlers) CancelStage(f features.Feature) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stage string `json:"stage"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		if _, ok := f.Stage(req.Stage); !ok {
			writeJSON(w, http.StatusUnprocessableEntity, errorBody(fmt.Sprintf("unknown stage %q", req.Stage)))
			return
		}

		if err := h.player.Cancel(GetUsername(r.Context()), f.Name, req.Stage); err != nil {
			if errors.Is(err, ErrNotRunning) {
				writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
				return
			}
			writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}
