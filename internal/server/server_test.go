// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/ctxdash/internal/apiclient"
	"github.com/noldarim/ctxdash/internal/auth"
	"github.com/noldarim/ctxdash/internal/config"
	"github.com/noldarim/ctxdash/internal/features"
	"github.com/noldarim/ctxdash/internal/protocol"
	"github.com/noldarim/ctxdash/internal/realtime"
	"github.com/noldarim/ctxdash/internal/router"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type backend struct {
	srv *Server
	ts  *httptest.Server
	cfg *config.AppConfig
}

func newBackend(t *testing.T, scenarios Scenarios, speed float64) *backend {
	t.Helper()
	cfg := config.Default()
	cfg.DevBackend.JWTSecret = "test-secret"
	cfg.Realtime.PingInterval = 0

	srv := New(&cfg.DevBackend, scenarios, WithSpeed(speed))
	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		cancel()
		ts.Close()
	})

	cfg.Backend.BaseURL = ts.URL
	return &backend{srv: srv, ts: ts, cfg: cfg}
}

func (b *backend) wsURL(t *testing.T) string {
	t.Helper()
	u, err := b.cfg.Backend.WebSocketURL()
	require.NoError(t, err)
	return u
}

func (b *backend) login(t *testing.T) *apiclient.Client {
	t.Helper()
	api := apiclient.New(b.cfg.Backend)
	_, err := api.Login(context.Background(), "admin", "admin")
	require.NoError(t, err)
	return api
}

// mount connects a realtime client and a router for f, and waits until the
// backend has registered the socket.
func (b *backend) mount(t *testing.T, api *apiclient.Client, f features.Feature) *features.Runner {
	t.Helper()
	store := f.NewStore()
	client := realtime.New(b.wsURL(t), b.cfg.Realtime)
	r := router.New(client, store, f.Table())
	require.NoError(t, r.Mount(api.Token()))
	t.Cleanup(r.Unmount)

	require.Eventually(t, func() bool {
		return client.State() == realtime.StateOpen && b.srv.registry.Count() == 1
	}, waitFor, tick)
	return features.NewRunner(f, api, store)
}

func TestLoginAndMe(t *testing.T) {
	b := newBackend(t, nil, 0)
	api := b.login(t)

	sub, err := auth.Verify("test-secret", api.Token())
	require.NoError(t, err)
	assert.Equal(t, "admin", sub)

	me, err := api.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "admin", me.Username)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	b := newBackend(t, nil, 0)
	api := apiclient.New(b.cfg.Backend)

	_, err := api.Login(context.Background(), "admin", "nope")
	var apiErr *apiclient.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "Invalid credentials", apiErr.Message)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	b := newBackend(t, nil, 0)
	api := apiclient.New(b.cfg.Backend)

	_, err := api.Me(context.Background())
	var apiErr *apiclient.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Unauthorized())

	api.SetToken("forged")
	_, err = api.Me(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Unauthorized())
}

func TestWebSocketRejectsInvalidToken(t *testing.T) {
	b := newBackend(t, nil, 0)

	_, resp, err := websocket.DefaultDialer.Dial(b.wsURL(t)+"?token=bad", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketPingPong(t *testing.T) {
	b := newBackend(t, nil, 0)
	api := b.login(t)

	conn, _, err := websocket.DefaultDialer.Dial(b.wsURL(t)+"?token="+api.Token(), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json{`)))
	require.NoError(t, conn.WriteJSON(protocol.NewFrame(protocol.TypePing)))

	conn.SetReadDeadline(time.Now().Add(waitFor))
	var got map[string]any
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, map[string]any{"type": "pong"}, got)
}

func TestConfigAPIsPipelineEndToEnd(t *testing.T) {
	b := newBackend(t, nil, 0)
	api := b.login(t)
	runner := b.mount(t, api, features.ConfigAPIs)
	ctx := context.Background()

	_, err := runner.Start(ctx, "analysis", nil)
	require.ErrorIs(t, err, features.ErrMissingSeed)

	resp, err := runner.Start(ctx, "extraction", nil)
	require.NoError(t, err)
	assert.Equal(t, "started", resp.Status)

	store := runner.Store()
	require.Eventually(t, func() bool { return store.ActiveID("extraction") != "" }, waitFor, tick)
	assert.Equal(t, resp.RunID, store.ActiveID("extraction"))
	assert.False(t, store.Running("extraction"))

	log := store.Log("extraction")
	require.Len(t, log, 5)
	assert.Equal(t, "Connecting to source", log[0].Detail)
	assert.Equal(t, protocol.StatusDone, log[4].Status)
	assert.Equal(t, "Extracted 42 endpoints", log[4].Detail)

	resp, err = runner.Start(ctx, "analysis", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return store.ActiveID("analysis") == resp.RunID }, waitFor, tick)
	assert.False(t, store.Running("analysis"))
}

func TestScriptedFailure(t *testing.T) {
	b := newBackend(t, nil, 0)
	api := b.login(t)
	runner := b.mount(t, api, features.Databricks)
	store := runner.Store()

	require.NoError(t, store.SetActiveID("extraction", "ext-1"))
	_, err := runner.Start(context.Background(), "fingerprint", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := store.Snapshot().Stage("fingerprint")
		return st.Outcome() == protocol.StatusFailed
	}, waitFor, tick)
	log := store.Log("fingerprint")
	assert.Equal(t, "warehouse timeout", log[len(log)-1].Error)
}

func TestCancelRunningStage(t *testing.T) {
	slow := Scenarios{
		"contextengine/generation": {
			Feature: "contextengine",
			Stage:   "generation",
			Steps:   []Step{{Delay: time.Minute, Status: "running"}},
			Outcome: protocol.OutcomeComplete,
		},
	}
	b := newBackend(t, slow, 1)
	api := b.login(t)
	runner := b.mount(t, api, features.ContextEngine)
	store := runner.Store()
	ctx := context.Background()

	_, err := runner.Start(ctx, "generation", nil)
	require.NoError(t, err)
	assert.True(t, b.srv.player.Running("admin", "contextengine", "generation"))

	_, err = runner.Start(ctx, "generation", nil)
	var apiErr *apiclient.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	require.NoError(t, runner.Cancel(ctx, "generation"))
	require.Eventually(t, func() bool {
		st, _ := store.Snapshot().Stage("generation")
		return st.Outcome() == protocol.StatusCancelled
	}, waitFor, tick)

	err = runner.Cancel(ctx, "generation")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestNew_DefaultsToBuiltinScenarios(t *testing.T) {
	cfg := config.Default()
	srv := New(&cfg.DevBackend, nil, WithSpeed(0))

	sc := srv.player.scenarios.Get("databricks", "fingerprint")
	require.NotEmpty(t, sc.Steps)
	assert.Equal(t, protocol.OutcomeFailed, sc.Outcome)
	assert.Equal(t, "warehouse timeout", sc.Error)

	builtin, err := LoadScenarios("")
	require.NoError(t, err)
	assert.Equal(t, builtin, srv.player.scenarios)
}

func TestShutdown_WaitsForBroadcaster(t *testing.T) {
	cfg := config.Default()
	srv := New(&cfg.DevBackend, nil, WithSpeed(0))

	// Never started: nothing to wait for.
	require.NoError(t, New(&cfg.DevBackend, nil).Shutdown(context.Background()))

	srv.Start(context.Background())
	require.NoError(t, srv.Shutdown(context.Background()))
	select {
	case <-srv.done:
	default:
		t.Fatal("broadcaster still running after Shutdown")
	}
}

func TestStartRequiresUpstreamID(t *testing.T) {
	b := newBackend(t, nil, 0)
	api := b.login(t)

	err := api.Post(context.Background(), "/api/sources/config-apis/generate", map[string]any{}, nil)
	var apiErr *apiclient.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "analysis_id is required", apiErr.Message)
}

func TestMetricsEndpoint(t *testing.T) {
	b := newBackend(t, nil, 0)
	api := b.login(t)
	runner := b.mount(t, api, features.Chat)
	store := runner.Store()

	_, err := runner.Start(context.Background(), "response", map[string]any{"message": "hi"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return store.ActiveID("response") != "" }, waitFor, tick)

	scrape := func() string {
		resp, err := http.Get(b.ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}

	// The run counter is bumped after the terminal frame goes out.
	var text string
	require.Eventually(t, func() bool {
		text = scrape()
		return strings.Contains(text, `ctxdash_devbackend_stage_runs_total{feature="chat",outcome="complete",stage="response"} 1`)
	}, waitFor, tick)
	assert.Contains(t, text, "ctxdash_devbackend_websocket_connections 1")
	assert.Contains(t, text, `ctxdash_devbackend_frames_sent_total{type="chat_token"} 3`)
}

func TestHealthAndCORS(t *testing.T) {
	b := newBackend(t, nil, 0)

	req, err := http.NewRequest(http.MethodOptions, b.ts.URL+"/api/auth/login", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, err = http.Get(b.ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
