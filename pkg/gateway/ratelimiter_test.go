package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := newFakeClock()
	limiter := NewRateLimiter(limit, window)
	limiter.now = clock.Now
	return limiter, clock
}

func TestRateLimiter_Allow(t *testing.T) {
	t.Run("should admit at most limit requests per window", func(t *testing.T) {
		limiter, clock := newTestLimiter(3, time.Minute)

		for i := 0; i < 3; i++ {
			assert.True(t, limiter.Allow("acme:alice"))
			clock.Advance(time.Second)
		}
		assert.False(t, limiter.Allow("acme:alice"))
		assert.ErrorIs(t, limiter.Check("acme:alice"), ErrRateLimited)
	})

	t.Run("should track identities independently", func(t *testing.T) {
		limiter, _ := newTestLimiter(1, time.Minute)

		assert.True(t, limiter.Allow("acme:alice"))
		assert.True(t, limiter.Allow("acme:bob"))
		assert.False(t, limiter.Allow("acme:alice"))
	})

	t.Run("should not record rejected requests", func(t *testing.T) {
		limiter, clock := newTestLimiter(2, time.Minute)

		assert.True(t, limiter.Allow("acme:alice"))
		clock.Advance(30 * time.Second)
		assert.True(t, limiter.Allow("acme:alice"))

		for i := 0; i < 10; i++ {
			assert.False(t, limiter.Allow("acme:alice"))
		}
		assert.Equal(t, 2, limiter.Stats("acme:alice").Count)

		// The first hit leaves the window; rejected attempts must not hold it shut.
		clock.Advance(31 * time.Second)
		assert.True(t, limiter.Allow("acme:alice"))
	})

	t.Run("should admit again once the window slides", func(t *testing.T) {
		limiter, clock := newTestLimiter(2, time.Minute)

		require.True(t, limiter.Allow("acme:alice"))
		require.True(t, limiter.Allow("acme:alice"))
		require.False(t, limiter.Allow("acme:alice"))

		clock.Advance(time.Minute)
		assert.True(t, limiter.Allow("acme:alice"))
	})

	t.Run("should never exceed the limit under concurrency", func(t *testing.T) {
		limiter, _ := newTestLimiter(10, time.Minute)

		var wg sync.WaitGroup
		var mu sync.Mutex
		admitted := 0
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if limiter.Allow("acme:alice") {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 10, admitted)
	})
}

func TestRateLimiter_Stats(t *testing.T) {
	t.Run("should report remaining and reset time", func(t *testing.T) {
		limiter, clock := newTestLimiter(5, time.Minute)

		limiter.Allow("acme:alice")
		clock.Advance(20 * time.Second)
		limiter.Allow("acme:alice")

		stats := limiter.Stats("acme:alice")
		assert.Equal(t, 2, stats.Count)
		assert.Equal(t, 5, stats.Limit)
		assert.Equal(t, 3, stats.Remaining)
		assert.Equal(t, 40*time.Second, stats.ResetIn)
	})

	t.Run("should report a full window for unknown identities", func(t *testing.T) {
		limiter, _ := newTestLimiter(5, time.Minute)

		stats := limiter.Stats("nobody")
		assert.Equal(t, 0, stats.Count)
		assert.Equal(t, 5, stats.Remaining)
		assert.Zero(t, stats.ResetIn)
	})
}

func TestRateLimiter_SetLimit(t *testing.T) {
	t.Run("should apply new limits to existing windows", func(t *testing.T) {
		limiter, _ := newTestLimiter(1, time.Minute)

		require.True(t, limiter.Allow("acme:alice"))
		require.False(t, limiter.Allow("acme:alice"))

		limiter.SetLimit(3, 0)
		assert.True(t, limiter.Allow("acme:alice"))
		assert.Equal(t, time.Minute, limiter.Stats("acme:alice").Window)
	})

	t.Run("should fall back to defaults for non-positive values", func(t *testing.T) {
		limiter := NewRateLimiter(0, 0)
		stats := limiter.Stats("acme:alice")
		assert.Equal(t, DefaultRateLimit, stats.Limit)
		assert.Equal(t, DefaultRateWindow, stats.Window)
	})
}

func TestRateLimiter_Sweep(t *testing.T) {
	t.Run("should drop identities without recent requests", func(t *testing.T) {
		limiter, clock := newTestLimiter(5, time.Minute)

		limiter.Allow("acme:alice")
		clock.Advance(45 * time.Second)
		limiter.Allow("acme:bob")
		require.Equal(t, 2, limiter.Len())

		clock.Advance(30 * time.Second)
		assert.Equal(t, 1, limiter.Sweep())
		assert.Equal(t, 1, limiter.Len())
		assert.Equal(t, 1, limiter.Stats("acme:bob").Count)
	})
}
