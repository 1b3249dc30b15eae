package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/stakelab/exitflow/internal/circuitbreaker"
	"github.com/stakelab/exitflow/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	defaultMaxAttempts = 7
	defaultBackoffCap  = 30 * time.Second
	jitterFraction     = 0.15
)

// Caller wraps an operation with bounded retry, exponential backoff, jitter,
// and honoring of provider-suggested delays. Only Transient and Overloaded
// failures are retried; everything else propagates immediately. Exhausting
// the attempt ceiling surfaces the last error.
type Caller struct {
	maxAttempts int
	backoffCap  time.Duration
	limiter     *rate.Limiter
	breaker     *circuitbreaker.Breaker
	logger      *slog.Logger

	// Injectable for tests.
	sleepFn func(ctx context.Context, d time.Duration) error
	randFn  func() float64
}

type CallerOption func(*Caller)

func WithMaxAttempts(n int) CallerOption {
	return func(c *Caller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithBackoffCap(d time.Duration) CallerOption {
	return func(c *Caller) {
		if d > 0 {
			c.backoffCap = d
		}
	}
}

// WithRateLimiter installs a client-side token bucket ahead of every
// attempt. rps <= 0 leaves throttling to the provider's backpressure.
func WithRateLimiter(rps float64, burst int) CallerOption {
	return func(c *Caller) {
		if rps > 0 {
			if burst <= 0 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithBreaker installs a circuit breaker: after repeated failures the
// caller fails fast instead of burning the full retry budget per call.
func WithBreaker(b *circuitbreaker.Breaker) CallerOption {
	return func(c *Caller) {
		c.breaker = b
	}
}

func WithSleepFn(fn func(ctx context.Context, d time.Duration) error) CallerOption {
	return func(c *Caller) {
		c.sleepFn = fn
	}
}

func WithRandFn(fn func() float64) CallerOption {
	return func(c *Caller) {
		c.randFn = fn
	}
}

func NewCaller(logger *slog.Logger, opts ...CallerOption) *Caller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Caller{
		maxAttempts: defaultMaxAttempts,
		backoffCap:  defaultBackoffCap,
		logger:      logger.With("component", "caller"),
		sleepFn:     sleepCtx,
		randFn:      rand.Float64,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Do runs fn until it succeeds, fails terminally, or the attempt ceiling is
// reached. op names the operation for logs and error context.
func (c *Caller) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	lastDecision := Decision{Kind: KindTerminal, Reason: "unset"}

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if c.breaker != nil {
			if err := c.breaker.Allow(); err != nil {
				return fmt.Errorf("op=%s: %w", op, err)
			}
		}
		if err := c.wait(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if c.breaker != nil {
				c.breaker.RecordSuccess()
			}
			return nil
		}
		lastErr = err
		lastDecision = Classify(err)
		if c.breaker != nil && lastDecision.Retryable() {
			// Only provider-health failures count toward tripping; caller
			// errors and size rejections say nothing about the endpoint.
			c.breaker.RecordFailure()
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !lastDecision.Retryable() {
			return fmt.Errorf("terminal_failure op=%s attempt=%d kind=%s reason=%s: %w",
				op, attempt, lastDecision.Kind, lastDecision.Reason, err)
		}
		if attempt == c.maxAttempts {
			break
		}

		delay := c.backoffDelay(attempt, err)
		metrics.RPCRetriesTotal.WithLabelValues(lastDecision.Reason).Inc()
		metrics.RPCBackoffSeconds.Add(delay.Seconds())
		c.logger.Warn("call failed; retrying",
			"op", op,
			"kind", lastDecision.Kind,
			"reason", lastDecision.Reason,
			"attempt", attempt,
			"backoff", delay,
			"error", err,
		)
		if sleepErr := c.sleepFn(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}

	return fmt.Errorf("retries_exhausted op=%s attempts=%d kind=%s reason=%s: %w",
		op, c.maxAttempts, lastDecision.Kind, lastDecision.Reason, lastErr)
}

// backoffDelay computes min(2^(attempt-1), cap) seconds, widened to any
// provider-suggested delay, randomized by ±15% to avoid herd retries.
func (c *Caller) backoffDelay(attempt int, err error) time.Duration {
	base := time.Duration(1<<uint(attempt-1)) * time.Second
	if base > c.backoffCap || base <= 0 {
		base = c.backoffCap
	}
	if suggested, ok := RetryAfter(err); ok && suggested > base {
		base = suggested
	}

	jitter := 1 + jitterFraction*(2*c.randFn()-1)
	return time.Duration(float64(base) * jitter)
}

func (c *Caller) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	r := c.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay > 0 {
		metrics.RPCRateLimitWaits.Inc()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
