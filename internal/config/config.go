// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Log        LogConfig        `mapstructure:"log"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Realtime   RealtimeConfig   `mapstructure:"realtime"`
	Auth       AuthConfig       `mapstructure:"auth"`
	DevBackend DevBackendConfig `mapstructure:"dev_backend"`
}

// LogConfig holds comprehensive logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`   // For file output
	Rotate  LogRotateConfig `mapstructure:"rotate"` // For file output
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"` // Level at which to include stack trace
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// BackendConfig points the client at the remote context-management service.
type BackendConfig struct {
	BaseURL        string        `mapstructure:"base_url"` // REST base, e.g. http://localhost:8000
	WSBase         string        `mapstructure:"ws_base"`  // Derived from BaseURL when empty
	WSPath         string        `mapstructure:"ws_path"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RealtimeConfig tunes the reconnecting event client.
type RealtimeConfig struct {
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	BaseDelay            time.Duration `mapstructure:"base_delay"`
	MaxDelay             time.Duration `mapstructure:"max_delay"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
	PingInterval         time.Duration `mapstructure:"ping_interval"` // 0 disables app-level ping
	MaxMessageSize       int64         `mapstructure:"max_message_size"`
}

// AuthConfig controls where the session token lives between invocations.
type AuthConfig struct {
	TokenFile string `mapstructure:"token_file"`
}

// DevBackendConfig configures the local scripted backend emulator.
type DevBackendConfig struct {
	Host           string            `mapstructure:"host"`
	Port           int               `mapstructure:"port"`
	AllowedOrigins []string          `mapstructure:"allowed_origins"` // Empty = allow all (development)
	JWTSecret      string            `mapstructure:"jwt_secret"`
	TokenTTL       time.Duration     `mapstructure:"token_ttl"`
	ScenarioDir    string            `mapstructure:"scenario_dir"` // Empty = built-in scenarios
	Users          map[string]string `mapstructure:"users"`        // username -> password
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("ctxdash")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/ctxdash/")
		v.AddConfigPath("$HOME/.ctxdash")
	}

	v.SetEnvPrefix("CTXDASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration without consulting files or the environment.
func Default() *AppConfig {
	cfg := defaultConfig()
	cfg.expandPaths()
	return &cfg
}

func defaultConfig() AppConfig {
	return AppConfig{
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "~/.ctxdash/logs/ctxdash.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  50,
						MaxBackups: 5,
						MaxAgeDays: 14,
						Compress:   true,
					},
				},
				{
					Type:    "console",
					Enabled: false, // Disabled by default so the TUI owns the terminal
				},
			},
			Levels: map[string]string{
				"realtime":   "INFO",
				"router":     "INFO",
				"apiclient":  "INFO",
				"devbackend": "INFO",
				"tui":        "WARN",
				"features":   "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:     false,
				IncludeTimestamp:  true,
				IncludeStackTrace: "ERROR",
			},
			Sampling: LogSamplingConfig{
				Enabled:    false,
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Backend: BackendConfig{
			BaseURL:        "http://127.0.0.1:8000",
			WSPath:         "/api/ws",
			RequestTimeout: 30 * time.Second,
		},
		Realtime: RealtimeConfig{
			MaxReconnectAttempts: 5,
			BaseDelay:            time.Second,
			MaxDelay:             30 * time.Second,
			HandshakeTimeout:     10 * time.Second,
			PingInterval:         30 * time.Second,
			MaxMessageSize:       1 << 20,
		},
		Auth: AuthConfig{
			TokenFile: "~/.ctxdash/token",
		},
		DevBackend: DevBackendConfig{
			Host:      "127.0.0.1",
			Port:      8000,
			JWTSecret: "ctxdash-dev-secret",
			TokenTTL:  12 * time.Hour,
			Users: map[string]string{
				"admin": "admin",
			},
		},
	}
}

func (c *AppConfig) expandPaths() {
	for i := range c.Log.Output {
		if c.Log.Output[i].Path != "" {
			c.Log.Output[i].Path = expandPath(c.Log.Output[i].Path)
		}
	}
	if c.Auth.TokenFile != "" {
		c.Auth.TokenFile = expandPath(c.Auth.TokenFile)
	}
	if c.DevBackend.ScenarioDir != "" {
		c.DevBackend.ScenarioDir = expandPath(c.DevBackend.ScenarioDir)
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	return os.ExpandEnv(path)
}

func (c *AppConfig) validate() error {
	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required")
	}
	if _, err := url.Parse(c.Backend.BaseURL); err != nil {
		return fmt.Errorf("invalid backend.base_url: %w", err)
	}
	if !strings.HasPrefix(c.Backend.WSPath, "/") {
		return fmt.Errorf("backend.ws_path must start with '/', got: %q", c.Backend.WSPath)
	}

	if c.Realtime.MaxReconnectAttempts < 0 {
		return fmt.Errorf("realtime.max_reconnect_attempts must be non-negative, got: %d", c.Realtime.MaxReconnectAttempts)
	}
	if c.Realtime.BaseDelay <= 0 {
		return errors.New("realtime.base_delay must be positive")
	}
	if c.Realtime.MaxDelay < c.Realtime.BaseDelay {
		return errors.New("realtime.max_delay cannot be smaller than realtime.base_delay")
	}

	if c.DevBackend.Port <= 0 || c.DevBackend.Port > 65535 {
		return fmt.Errorf("invalid dev_backend port: %d", c.DevBackend.Port)
	}

	return nil
}

// WebSocketURL returns the realtime endpoint. When ws_base is unset it is derived from
// base_url by swapping http(s) for ws(s).
func (bc *BackendConfig) WebSocketURL() (string, error) {
	base := bc.WSBase
	if base == "" {
		u, err := url.Parse(bc.BaseURL)
		if err != nil {
			return "", fmt.Errorf("invalid backend base url: %w", err)
		}
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
		u.Path = ""
		u.RawQuery = ""
		base = u.String()
	}
	return strings.TrimRight(base, "/") + bc.WSPath, nil
}

// Addr returns the dev backend listen address.
func (dc *DevBackendConfig) Addr() string {
	return fmt.Sprintf("%s:%d", dc.Host, dc.Port)
}
