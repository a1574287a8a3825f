package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/config"
)

// Limiter throttles requests to the scan API. A global token bucket bounds
// the overall rate and a minimum spacing applies per target.
type Limiter struct {
	limiter      *rate.Limiter
	requestDelay time.Duration
	burstSize    int
	lastRequest  map[string]time.Time
	mu           sync.Mutex
}

// Config contains rate limiting configuration.
type Config struct {
	// RequestsPerSecond of zero disables the global limit.
	RequestsPerSecond float64
	BurstSize         int
	// MinDelay is the minimum spacing between requests to the same target.
	MinDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10.0,
		BurstSize:         20,
	}
}

// FromClientConfig maps the client section onto limiter settings.
func FromClientConfig(cfg config.ClientConfig) Config {
	out := Config{
		RequestsPerSecond: cfg.RateLimit,
		BurstSize:         cfg.Burst,
	}
	if out.BurstSize <= 0 {
		out.BurstSize = 1
	}
	return out
}

func NewLimiter(cfg Config) *Limiter {
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	return &Limiter{
		limiter:      rate.NewLimiter(limit, cfg.BurstSize),
		requestDelay: cfg.MinDelay,
		burstSize:    cfg.BurstSize,
		lastRequest:  make(map[string]time.Time),
	}
}

// Wait blocks until a request to target is allowed.
func (l *Limiter) Wait(ctx context.Context, target string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	if l.requestDelay <= 0 {
		return nil
	}

	// reserve the slot before sleeping so concurrent callers queue behind it
	l.mu.Lock()
	now := time.Now()
	at := now
	if last, ok := l.lastRequest[target]; ok && last.Add(l.requestDelay).After(now) {
		at = last.Add(l.requestDelay)
	}
	l.lastRequest[target] = at
	l.mu.Unlock()

	if wait := time.Until(at); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SetLimit updates the global rate.
func (l *Limiter) SetLimit(requestsPerSecond float64) {
	l.limiter.SetLimit(rate.Limit(requestsPerSecond))
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		TrackedTargets: len(l.lastRequest),
		BurstSize:      l.burstSize,
		RequestDelay:   l.requestDelay,
	}
}

type Stats struct {
	TrackedTargets int
	BurstSize      int
	RequestDelay   time.Duration
}
