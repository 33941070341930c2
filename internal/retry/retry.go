// Package retry retries a callable with exponential backoff, built on
// github.com/cenkalti/backoff/v5's ExponentialBackOff as the delay
// generator while keeping the retry loop itself explicit so the
// retry_on whitelist, jitter toggle, and the rate-limit delay floor
// (max(computed_delay, retry_after)) from spec.md's Open Questions are
// all enforced exactly.
package retry

import (
	"context"
	"errors"
	"time"

	"mcpbridge/internal/mcperr"

	"github.com/cenkalti/backoff/v5"
)

// Config configures one retry policy.
type Config struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	Jitter        bool
	// RetryOn reports whether err should be retried. Nil retries every
	// error.
	RetryOn   func(error) bool
	OnRetry   func(attempt int, err error, delay time.Duration)
	OnFailure func(err error, attempts int)
}

// Retrier executes callables under a fixed Config.
type Retrier struct {
	cfg Config
}

// New constructs a Retrier.
func New(cfg Config) *Retrier {
	return &Retrier{cfg: cfg}
}

func (r *Retrier) newBackOff() *backoff.ExponentialBackOff {
	randomization := 0.0
	if r.cfg.Jitter {
		randomization = 0.25
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialDelay
	bo.Multiplier = r.cfg.BackoffFactor
	bo.MaxInterval = r.cfg.MaxDelay
	bo.RandomizationFactor = randomization
	bo.Reset()
	return bo
}

// Do invokes op, retrying on qualifying errors per Config. It invokes op
// at least once and at most MaxRetries+1 times.
func (r *Retrier) Do(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	bo := r.newBackOff()

	var lastErr error
	attempts := 0
	for {
		attempts++
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if r.cfg.RetryOn != nil && !r.cfg.RetryOn(err) {
			return nil, err
		}
		if attempts > r.cfg.MaxRetries {
			break
		}

		delay := bo.NextBackOff()
		if delay < 0 {
			delay = r.cfg.MaxDelay
		}
		if rl := asRateLimited(err); rl != nil {
			floor := time.Duration(rl.RetryAfterSeconds) * time.Second
			if floor > delay {
				delay = floor
			}
		}

		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(attempts, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	if r.cfg.OnFailure != nil {
		r.cfg.OnFailure(lastErr, attempts)
	}
	return nil, lastErr
}

func asRateLimited(err error) *mcperr.RateLimitedError {
	var rl *mcperr.RateLimitedError
	if errors.As(err, &rl) {
		return rl
	}
	return nil
}

// DeadLetterSink is the minimal surface Do's DLQ-composing sibling needs
// from a dead-letter queue, kept as an interface to avoid a hard
// dependency on the dlq package's concrete type.
type DeadLetterSink interface {
	Add(errorType string, err error, payload func(context.Context) (interface{}, error)) string
}

// DoWithDLQ retries op exactly as Do does; on retry exhaustion the
// original callable is pushed to sink instead of only returning the
// last error.
func (r *Retrier) DoWithDLQ(ctx context.Context, op func(context.Context) (interface{}, error), sink DeadLetterSink, errorType string) (interface{}, error) {
	result, err := r.Do(ctx, op)
	if err != nil && sink != nil {
		sink.Add(errorType, err, op)
	}
	return result, err
}
