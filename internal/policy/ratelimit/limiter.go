// Package ratelimit throttles outbound archive requests per host, so many
// concurrent resolutions share one budget against each archive service.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/timetravel/internal/metrics"
)

// Config sets the token bucket applied to every archive host.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// Limiter hands out one token bucket per archive host.
type Limiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New builds a Limiter. A non-positive rate disables throttling.
func New(cfg Config) *Limiter {
	l := &Limiter{
		limit:   rate.Inf,
		burst:   max(cfg.DefaultBurst, 1),
		buckets: make(map[string]*rate.Limiter),
	}
	if cfg.DefaultRPS > 0 {
		l.limit = rate.Limit(cfg.DefaultRPS)
	}
	return l
}

// Wait blocks until the host of rawURL may be contacted again or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := metrics.SanitizeSite(rawURL)
	start := time.Now()
	if err := l.bucket(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", host, err)
	}
	// Immediate grants are not worth a histogram sample.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Hosts reports how many hosts currently hold a bucket.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[host] = b
	}
	return b
}
