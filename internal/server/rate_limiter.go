// Package server builds the token bucket rate limiter used for per-connection
// throttling that protects the broker from abuse.
package server

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/Tyrowin/relayhub/internal/config"
)

// newRateLimiter allows cfg.Burst messages per cfg.RefillInterval, refilled
// continuously.
func newRateLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	return rate.NewLimiter(rate.Every(interval/time.Duration(burst)), burst)
}
