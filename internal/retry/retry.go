// Package retry runs an operation under a bounded exponential backoff policy.
package retry

import (
	"context"
	"time"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay after the first failure.
	BaseDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Factor multiplies the delay after each failure.
	Factor float64
}

// DefaultPolicy returns 3 attempts with delays of 1s, 2s capped at 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Factor:      2,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Factor < 1 {
		p.Factor = 2
	}
	return p
}

// Delay returns the wait before attempt+1, given that attempt (1-based) failed.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Factor
		if delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if time.Duration(delay) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Runner executes operations under a policy.
type Runner struct {
	Policy Policy
	// Retryable decides whether a failed attempt may be retried.
	// A nil Retryable retries every error.
	Retryable func(error) bool
	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, delay time.Duration, err error)
	// Sleep waits for d or until ctx is done. Defaults to a timer select.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Result describes the outcome of Do.
type Result struct {
	Attempts int
	Err      error
	Duration time.Duration
}

// Do runs op until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. op receives the 1-based attempt number.
func (r Runner) Do(ctx context.Context, op func(attempt int) error) Result {
	policy := r.Policy.normalized()
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	start := time.Now()
	res := Result{}

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if res.Err == nil {
				res.Err = err
			}
			break
		}

		res.Attempts = attempt
		err := op(attempt)
		if err == nil {
			res.Err = nil
			break
		}
		res.Err = err

		if r.Retryable != nil && !r.Retryable(err) {
			break
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			res.Err = err
			break
		}
	}

	res.Duration = time.Since(start)
	return res
}

// Do is a convenience wrapper around Runner.Do.
func Do(ctx context.Context, policy Policy, retryable func(error) bool, op func(attempt int) error) Result {
	return Runner{Policy: policy, Retryable: retryable}.Do(ctx, op)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
