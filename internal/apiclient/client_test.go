// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/ctxdash/internal/config"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"Invalid credentials"}`))
			return
		}
		w.Write([]byte(`{"access_token":"tok-1","token_type":"bearer","user":{"username":"` + body["username"] + `"}}`))
	})
	r.Get("/api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Write([]byte(`{"username":"admin"}`))
	})
	r.Post("/api/fail", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":[{"loc":["body","extraction_id"],"msg":"field required"}]}`))
	})
	r.Post("/api/plain", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	})
	r.Post("/api/empty", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(srv *httptest.Server) *Client {
	return New(config.BackendConfig{BaseURL: srv.URL + "/"})
}

func TestClient_LoginAdoptsToken(t *testing.T) {
	c := newClient(newTestServer(t))

	s, err := c.Login(context.Background(), "admin", "pw")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", s.AccessToken)
	assert.Equal(t, "admin", s.User.Username)
	assert.Equal(t, "tok-1", c.Token())

	u, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "admin", u.Username)
}

func TestClient_LoginRejected(t *testing.T) {
	c := newClient(newTestServer(t))

	_, err := c.Login(context.Background(), "admin", "wrong")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Unauthorized())
	assert.Equal(t, "Invalid credentials", apiErr.Message)
	assert.Empty(t, c.Token())
}

func TestClient_ErrorBodies(t *testing.T) {
	c := newClient(newTestServer(t))

	err := c.Post(context.Background(), "/api/fail", map[string]string{}, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Contains(t, apiErr.Message, "field required")

	err = c.Post(context.Background(), "/api/plain", nil, nil)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream down", apiErr.Message)
	assert.Contains(t, apiErr.Error(), "502")
}

func TestClient_EmptyBodyIsFine(t *testing.T) {
	c := newClient(newTestServer(t))
	var out StartResponse
	assert.NoError(t, c.Post(context.Background(), "/api/empty", nil, &out))
}

func TestClient_TransportError(t *testing.T) {
	srv := newTestServer(t)
	c := newClient(srv)
	srv.Close()

	err := c.Post(context.Background(), "/api/empty", nil, nil)
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}
