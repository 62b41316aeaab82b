package gateway

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when an identity exceeds its window.
var ErrRateLimited = errors.New("rate limit exceeded")

// Default rate limits.
const (
	DefaultRateLimit  = 30
	DefaultRateWindow = time.Minute
)

// RateStats describes an identity's current window.
type RateStats struct {
	Count     int           `json:"count"`
	Limit     int           `json:"limit"`
	Window    time.Duration `json:"window"`
	Remaining int           `json:"remaining"`
	// ResetIn is the time until the oldest admitted request leaves the window.
	ResetIn time.Duration `json:"reset_in"`
}

// RateLimiter implements sliding window rate limiting per identity
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// NewRateLimiter creates a limiter admitting limit requests per window.
// Non-positive values select the defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// prune drops timestamps outside the window. The caller holds mu.
func (r *RateLimiter) prune(identity string, now time.Time) []time.Time {
	hits := r.hits[identity]
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) == 0 {
		delete(r.hits, identity)
		return nil
	}
	r.hits[identity] = hits
	return hits
}

// Allow admits and records a request iff fewer than limit requests were
// admitted for identity within the window. Rejected requests are not
// recorded.
func (r *RateLimiter) Allow(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	hits := r.prune(identity, now)
	if len(hits) >= r.limit {
		return false
	}
	r.hits[identity] = append(hits, now)
	return true
}

// Check is Allow returning ErrRateLimited on rejection.
func (r *RateLimiter) Check(identity string) error {
	if !r.Allow(identity) {
		return ErrRateLimited
	}
	return nil
}

// SetLimit updates the limits. Non-positive values keep the current ones.
func (r *RateLimiter) SetLimit(limit int, window time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit > 0 {
		r.limit = limit
	}
	if window > 0 {
		r.window = window
	}
}

// Stats returns current statistics for identity.
func (r *RateLimiter) Stats(identity string) RateStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	hits := r.prune(identity, now)
	stats := RateStats{
		Count:     len(hits),
		Limit:     r.limit,
		Window:    r.window,
		Remaining: r.limit - len(hits),
	}
	if stats.Remaining < 0 {
		stats.Remaining = 0
	}
	if len(hits) > 0 {
		stats.ResetIn = hits[0].Add(r.window).Sub(now)
	}
	return stats
}

// Sweep drops identities with no request inside the window and returns how
// many were dropped.
func (r *RateLimiter) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	dropped := 0
	for identity := range r.hits {
		if r.prune(identity, now) == nil {
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked identities.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hits)
}
