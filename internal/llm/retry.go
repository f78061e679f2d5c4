// SPDX-License-Identifier: MIT

package llm

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig controls the exponential backoff for transient failures.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns the documented defaults: 3 attempts, 2s→60s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// WithRetry calls fn with exponential backoff and ±25% jitter on
// transient errors. Fatal errors and context cancellation return
// immediately. The returned attempt count includes the final call.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) (attempts int, err error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	delay := cfg.InitialDelay

	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !IsTransient(err) || attempt >= cfg.MaxAttempts {
			return attempt, err
		}
		jittered := applyJitter(delay)
		if cfg.MaxDelay > 0 && jittered > cfg.MaxDelay {
			jittered = cfg.MaxDelay
		}
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(jittered):
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

// applyJitter spreads a delay by ±25%.
func applyJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := float64(d) * 0.25
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + offset)
}
