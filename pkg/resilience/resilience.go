// Package resilience bundles the retry, timeout and circuit-breaker policies
// shared by outward calls (agent RPCs, notification senders, store writes).
package resilience

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/orbitmesh/orbitmesh/pkg/errkind"
)

// Config holds the knobs for a Policy. Zero values fall back to defaults.
type Config struct {
	RetryMax          int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	CallTimeout       time.Duration

	CircuitBreakerFailureRatio      float64
	CircuitBreakerMinimumThroughput int
	CircuitBreakerBreakDuration     time.Duration
	CircuitBreakerSamplingDuration  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.RetryInitialDelay == 0 {
		c.RetryInitialDelay = 100 * time.Millisecond
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.CircuitBreakerFailureRatio == 0 {
		c.CircuitBreakerFailureRatio = 0.5
	}
	if c.CircuitBreakerMinimumThroughput == 0 {
		c.CircuitBreakerMinimumThroughput = 10
	}
	if c.CircuitBreakerBreakDuration == 0 {
		c.CircuitBreakerBreakDuration = 30 * time.Second
	}
	if c.CircuitBreakerSamplingDuration == 0 {
		c.CircuitBreakerSamplingDuration = 60 * time.Second
	}
	return c
}

// Policy wraps an outward call with timeout, bounded retries on transient
// errors, and a named circuit breaker.
type Policy struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker
}

// NewPolicy builds a policy. name identifies the breaker in its state-change
// reporting.
func NewPolicy(name string, cfg Config) *Policy {
	cfg = cfg.withDefaults()
	st := gobreaker.Settings{
		Name:     name,
		Interval: cfg.CircuitBreakerSamplingDuration,
		Timeout:  cfg.CircuitBreakerBreakDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.CircuitBreakerMinimumThroughput) {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.CircuitBreakerFailureRatio
		},
	}
	return &Policy{cfg: cfg, breaker: gobreaker.NewCircuitBreaker(st)}
}

// Do runs op under the policy. Only transient error kinds are retried;
// validation and not-found errors surface immediately.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return retry.Do(
		func() error {
			cctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
			defer cancel()
			_, err := p.breaker.Execute(func() (any, error) {
				return nil, op(cctx)
			})
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return errkind.New(errkind.Backpressure, err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(p.cfg.RetryMax)),
		retry.Delay(p.cfg.RetryInitialDelay),
		retry.MaxDelay(p.cfg.RetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errkind.Transient(err)
		}),
	)
}

// Backoff returns an exponential backoff sequence bounded by max, for callers
// that manage their own retry loop (the dispatcher's unroutable requeue).
func Backoff(base, max time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = max
	return bo
}
