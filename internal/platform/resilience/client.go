// Package resilience wraps calls to external dependencies with exponential
// backoff retries and a per-dependency circuit breaker. Every call either
// succeeds or fails with a *CallError whose Kind is Timeout, DependencyError
// or CircuitOpen.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Client executes dependency calls under a shared Registry and Policy.
type Client struct {
	registry *Registry
	policy   Policy
	logger   zerolog.Logger
	sleep    func(context.Context, time.Duration) error
	rand     func() float64
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) ClientOption {
	return func(c *Client) { c.sleep = sleep }
}

// WithRand replaces the jitter source.
func WithRand(rnd func() float64) ClientOption {
	return func(c *Client) { c.rand = rnd }
}

// NewClient creates a Client.
func NewClient(registry *Registry, policy Policy, logger zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		registry: registry,
		policy:   policy.normalized(),
		logger:   logger.With().Str("component", "resilience").Logger(),
		sleep:    sleepContext,
		rand:     rand.Float64,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Registry exposes the breaker registry backing the client.
func (c *Client) Registry() *Registry { return c.registry }

// Policy returns the retry policy in effect.
func (c *Client) Policy() Policy { return c.policy }

// Call runs fn against dependency. See Do.
func (c *Client) Call(ctx context.Context, dependency string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, c, dependency, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do runs fn against dependency with retries and breaker protection and
// returns its result. On failure the zero T is returned with a *CallError.
//
// Each attempt first asks the breaker for admission. A rejected attempt ends
// the call immediately with KindCircuitOpen; the dependency is not contacted.
func Do[T any](ctx context.Context, c *Client, dependency string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	br := c.registry.Breaker(dependency)
	p := c.policy

	var (
		last     error
		lastKind = KindDependency
	)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, c.fail(dependency, KindTimeout, attempt-1, err)
		}

		t, ok := br.admit()
		if !ok {
			return zero, c.fail(dependency, KindCircuitOpen, attempt-1, last)
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
		}
		v, err := fn(callCtx)
		timedOut := callCtx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			br.record(t, true)
			observeOutcome(dependency, "success")
			return v, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			br.release(t)
			return zero, c.fail(dependency, KindDependency, attempt, perm.err)
		}

		// The caller gave up; the attempt says nothing about the dependency.
		if ctx.Err() != nil {
			br.release(t)
			return zero, c.fail(dependency, KindTimeout, attempt, err)
		}

		br.record(t, false)
		last = err
		lastKind = KindDependency
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			lastKind = KindTimeout
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt, c.rand)
		c.logger.Warn().
			Err(err).
			Str("dependency", dependency).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("dependency call failed, retrying")
		dependencyRetries.WithLabelValues(dependency).Inc()

		if err := c.sleep(ctx, delay); err != nil {
			return zero, c.fail(dependency, KindTimeout, attempt, err)
		}
	}
	return zero, c.fail(dependency, lastKind, p.MaxAttempts, last)
}

func (c *Client) fail(dependency string, kind Kind, attempts int, err error) *CallError {
	observeOutcome(dependency, kind.String())
	return &CallError{Dependency: dependency, Kind: kind, Attempts: attempts, Err: err}
}
