// Package ratelimit throttles upstream provider calls per account.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// Per-key token bucket registry
// 구조: key(account) → rate.Limiter
// =============================================================================

// Config holds limiter configuration.
type Config struct {
	RequestsPerSecond float64 // 0 disables throttling
	BurstSize         int
	IdleTTL           time.Duration // limiters unused this long are dropped
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		RequestsPerSecond: 20,
		BurstSize:         5,
		IdleTTL:           30 * time.Minute,
	}
}

type entry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Registry hands out one limiter per key.
type Registry struct {
	config   *Config
	limiters map[string]*entry
	mu       sync.Mutex
	now      func() time.Time
}

// NewRegistry creates a limiter registry.
func NewRegistry(config *Config) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BurstSize <= 0 {
		config.BurstSize = 1
	}
	return &Registry{
		config:   config,
		limiters: make(map[string]*entry),
		now:      time.Now,
	}
}

func (r *Registry) get(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.limiters[key]; ok {
		e.lastUsed = now
		return e.limiter
	}

	r.evictIdleLocked(now)
	l := rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.BurstSize)
	r.limiters[key] = &entry{limiter: l, lastUsed: now}
	return l
}

func (r *Registry) evictIdleLocked(now time.Time) {
	if r.config.IdleTTL <= 0 {
		return
	}
	for k, e := range r.limiters {
		if now.Sub(e.lastUsed) > r.config.IdleTTL {
			delete(r.limiters, k)
		}
	}
}

// Wait blocks until n requests are allowed for key or ctx is done.
func (r *Registry) Wait(ctx context.Context, key string, n int) error {
	if r == nil || r.config.RequestsPerSecond <= 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	l := r.get(key)
	// WaitN rejects n above the burst, so large batches are taken in slices.
	for n > 0 {
		take := n
		if take > r.config.BurstSize {
			take = r.config.BurstSize
		}
		if err := l.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// Allow reports whether one request for key may happen now.
func (r *Registry) Allow(key string) bool {
	if r == nil || r.config.RequestsPerSecond <= 0 {
		return true
	}
	return r.get(key).Allow()
}

// Forget drops the limiter for key.
func (r *Registry) Forget(key string) {
	r.mu.Lock()
	delete(r.limiters, key)
	r.mu.Unlock()
}

// Len returns the number of tracked keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}
