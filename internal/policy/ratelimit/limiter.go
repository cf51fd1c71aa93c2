// Package ratelimit implements keyed token bucket limiters used for provider
// call pacing and owner quotas.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/mediagen/internal/metrics"
)

// Limiter manages one token bucket per key.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	overrides    map[string]Rule
	defaultRate  rate.Limit
	defaultBurst int
}

// Rule is the rate and burst applied to one key.
type Rule struct {
	RPS   float64
	Burst int
}

// Config holds rate limiter configuration. A non-positive DefaultRPS means unlimited.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	Overrides    map[string]Rule
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r, burst := toLimit(Rule{RPS: cfg.DefaultRPS, Burst: cfg.DefaultBurst})
	overrides := make(map[string]Rule, len(cfg.Overrides))
	for k, v := range cfg.Overrides {
		overrides[k] = v
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		overrides:    overrides,
		defaultRate:  r,
		defaultBurst: burst,
	}
}

func toLimit(rule Rule) (rate.Limit, int) {
	r := rate.Limit(rule.RPS)
	if rule.RPS <= 0 {
		r = rate.Inf
	}
	burst := rule.Burst
	if burst <= 0 {
		burst = 1
	}
	return r, burst
}

func (l *Limiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[key]
	if !exists {
		r, burst := l.defaultRate, l.defaultBurst
		if rule, ok := l.overrides[key]; ok {
			r, burst = toLimit(rule)
		}
		limiter = rate.NewLimiter(r, burst)
		l.limiters[key] = limiter
	}
	return limiter
}

// Wait blocks until a token is available for key, respecting the context.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	start := time.Now()
	if err := l.limiter(key).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(key, d)
	}
	return nil
}

// Allow consumes a token for key if one is available now.
func (l *Limiter) Allow(key string) bool {
	return l.limiter(key).Allow()
}
