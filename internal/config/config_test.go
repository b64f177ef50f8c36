// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctxdash.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Realtime.MaxReconnectAttempts)
	assert.Equal(t, time.Second, cfg.Realtime.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Realtime.MaxDelay)
	assert.Equal(t, "/api/ws", cfg.Backend.WSPath)
	assert.NotContains(t, cfg.Auth.TokenFile, "~")
}

func TestNewConfig_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
backend:
  base_url: https://ctx.example.com
  ws_path: /api/context-engine/ws
realtime:
  base_delay: 250ms
  max_delay: 5s
  max_reconnect_attempts: 3
dev_backend:
  allowed_origins: "http://a.test,http://b.test"
`)

	cfg, err := NewConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://ctx.example.com", cfg.Backend.BaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Realtime.BaseDelay)
	assert.Equal(t, 5*time.Second, cfg.Realtime.MaxDelay)
	assert.Equal(t, 3, cfg.Realtime.MaxReconnectAttempts)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.DevBackend.AllowedOrigins)

	wsURL, err := cfg.Backend.WebSocketURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://ctx.example.com/api/context-engine/ws", wsURL)
}

func TestNewConfig_EnvOverride(t *testing.T) {
	t.Setenv("CTXDASH_BACKEND_BASE_URL", "http://10.0.0.5:9000")

	// Env only overrides keys viper already knows about from the file.
	cfg, err := NewConfig(writeConfig(t, "log:\n  level: debug\nbackend:\n  base_url: http://from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:9000", cfg.Backend.BaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestNewConfig_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad log level", "log:\n  level: loud\n", "invalid log level"},
		{"relative ws path", "backend:\n  ws_path: api/ws\n", "ws_path"},
		{"negative attempts", "realtime:\n  max_reconnect_attempts: -1\n", "max_reconnect_attempts"},
		{"max below base", "realtime:\n  base_delay: 10s\n  max_delay: 1s\n", "max_delay"},
		{"bad port", "dev_backend:\n  port: 70000\n", "port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBackendConfig_WebSocketURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  BackendConfig
		want string
	}{
		{"http base", BackendConfig{BaseURL: "http://localhost:8000", WSPath: "/api/ws"}, "ws://localhost:8000/api/ws"},
		{"https base with path", BackendConfig{BaseURL: "https://h.test/app?x=1", WSPath: "/api/ws"}, "wss://h.test/api/ws"},
		{"explicit ws base", BackendConfig{BaseURL: "http://ignored", WSBase: "ws://rt.test/", WSPath: "/api/ws"}, "ws://rt.test/api/ws"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.WebSocketURL()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
