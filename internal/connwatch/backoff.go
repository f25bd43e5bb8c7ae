// Package connwatch holds the reconnect schedule used by the broker
// clients. Reconnection itself is done by the MQTT libraries; this
// package only decides how long they wait between attempts so both
// protocol families back off the same way.
//
// The schedule grows exponentially from InitialDelay and is capped at
// MaxDelay: with the defaults that is 1s, 2s, 4s, ... 60s.
package connwatch

import (
	"log/slog"
	"time"
)

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64
}

// DefaultBackoffConfig returns the default reconnect schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// WithDefaults returns a copy of b with zero-value fields replaced by
// the defaults.
func (b BackoffConfig) WithDefaults() BackoffConfig {
	defaults := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = defaults.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = defaults.MaxDelay
	}
	if b.MaxDelay < b.InitialDelay {
		b.MaxDelay = b.InitialDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = defaults.Multiplier
	}
	return b
}

// Delay returns the wait before reconnect attempt n. Attempts are
// counted from zero; attempt 0 waits InitialDelay.
func (b BackoffConfig) Delay(attempt int) time.Duration {
	b = b.WithDefaults()
	delay := b.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * b.Multiplier)
		if delay >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	return delay
}

// LogValue renders the schedule as a group in structured logs.
func (b BackoffConfig) LogValue() slog.Value {
	b = b.WithDefaults()
	return slog.GroupValue(
		slog.String("initial", b.InitialDelay.String()),
		slog.String("max", b.MaxDelay.String()),
		slog.Float64("multiplier", b.Multiplier),
	)
}
