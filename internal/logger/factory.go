// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetRealtimeLogger returns a logger for the realtime event client
func GetRealtimeLogger() zerolog.Logger {
	return GetLogger("realtime")
}

// GetRouterLogger returns a logger for progress routing
func GetRouterLogger() zerolog.Logger {
	return GetLogger("router")
}

// GetAPIClientLogger returns a logger for REST calls to the backend
func GetAPIClientLogger() zerolog.Logger {
	return GetLogger("apiclient")
}

// GetDevBackendLogger returns a logger for the scripted backend emulator
func GetDevBackendLogger() zerolog.Logger {
	return GetLogger("devbackend")
}

// GetTUILogger returns a logger for TUI components
func GetTUILogger() zerolog.Logger {
	return GetLogger("tui")
}

// GetFeaturesLogger returns a logger for feature runners
func GetFeaturesLogger() zerolog.Logger {
	return GetLogger("features")
}
