package resilience

import (
	"context"
	"errors"
	"time"
)

// Policy configures retries for a dependency call.
type Policy struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the +/- fraction applied to each delay (0-1).
	Jitter float64
	// CallTimeout bounds a single attempt. Zero means no per-attempt bound.
	CallTimeout time.Duration
}

// DefaultPolicy returns 3 attempts with 200ms doubling backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
		CallTimeout: 10 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the wait before attempt n+1, given that attempt n (1-based)
// just failed. rnd must return a value in [0, 1).
func (p Policy) Delay(n int, rnd func() float64) time.Duration {
	p = p.normalized()
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 && rnd != nil {
		d *= 1 + (rnd()*2-1)*p.Jitter
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Budget is the longest a full call under p can take: every attempt hitting
// CallTimeout plus the largest jittered backoff between attempts. Zero
// means unbounded (no CallTimeout).
func (p Policy) Budget() time.Duration {
	p = p.normalized()
	if p.CallTimeout <= 0 {
		return 0
	}
	total := time.Duration(p.MaxAttempts) * p.CallTimeout
	for n := 1; n < p.MaxAttempts; n++ {
		total += p.Delay(n, func() float64 { return 1 })
	}
	return total
}

// Retry runs fn up to MaxAttempts times with backoff, without a breaker.
// It stops early on a Permanent error or when ctx is done. Used for work
// that is not an external dependency, such as the commit unit.
func Retry(ctx context.Context, p Policy, sleep func(context.Context, time.Duration) error, rnd func() float64, fn func(ctx context.Context, attempt int) error) (int, error) {
	p = p.normalized()
	if sleep == nil {
		sleep = sleepContext
	}
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		last = err
		var perm *permanentError
		if errors.As(err, &perm) {
			return attempt, err
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := sleep(ctx, p.Delay(attempt, rnd)); err != nil {
			return attempt, err
		}
	}
	return p.MaxAttempts, last
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
