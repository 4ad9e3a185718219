package binance

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token-bucket limiter for outgoing REST requests. Binance
// enforces per-minute weight limits server-side; a client-side cap keeps the
// engine well under them even when order placement and reconciliation overlap.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a limiter allowing ratePerSec requests per second,
// with a burst capacity of the same size.
func NewRateLimiter(ratePerSec int) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(ratePerSec),
		maxTokens:  float64(ratePerSec),
		refillRate: float64(ratePerSec),
		lastRefill: time.Now(),
	}
}

// TryAcquire takes a token if one is available without blocking.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()
		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		deficit := 1 - r.tokens
		wait := time.Duration(deficit / r.refillRate * float64(time.Second))
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens += elapsed * r.refillRate
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}
	r.lastRefill = now
}
