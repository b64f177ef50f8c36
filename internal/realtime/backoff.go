// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package realtime

import (
	"time"

	"github.com/noldarim/ctxdash/internal/config"
)

// Backoff is the reconnect schedule: attempt n waits BaseDelay*2^n, capped at MaxDelay.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultBackoff is five attempts, 1s base, 30s cap.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// BackoffFromConfig reads the schedule from realtime config.
func BackoffFromConfig(cfg config.RealtimeConfig) Backoff {
	return Backoff{
		MaxAttempts: cfg.MaxReconnectAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
	}
}

// Delay returns the wait before reconnect attempt number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := b.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if delay > b.MaxDelay {
		return b.MaxDelay
	}
	return delay
}

// ShouldRetry reports whether another attempt fits in the budget.
func (b Backoff) ShouldRetry(attempts int) bool {
	return attempts < b.MaxAttempts
}
