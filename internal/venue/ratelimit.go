// ratelimit.go implements token-bucket rate limiting for venue REST APIs.
//
// Venues publish per-category request limits over fixed windows. The bucket
// refills continuously (rather than in window-sized bursts) so sustained
// request rates stay below the hard limits.
package venue

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by request category. Trading operations
// call the appropriate bucket's Wait() before issuing the HTTP request.
type RateLimiter struct {
	Order  *TokenBucket // order placement and cancels
	Market *TokenBucket // tickers, books, balances, positions
}

// NewRateLimiter creates buckets from the venue's configured requests per
// second; market reads get triple the order budget since they dominate.
func NewRateLimiter(ratePerSecond, burst int) *RateLimiter {
	r := float64(ratePerSecond)
	b := float64(burst)
	return &RateLimiter{
		Order:  NewTokenBucket(b, r),
		Market: NewTokenBucket(b*3, r*3),
	}
}
