// Package retry runs an operation a bounded number of times with
// exponential backoff and jitter.
package retry

import (
	"context"
	"math/rand"
	"time"
)

type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	retryable   func(error) bool
	sleep       func(ctx context.Context, d time.Duration) error
}

type Option func(*Policy)

// WithRetryable overrides which errors are worth another attempt.
func WithRetryable(fn func(error) bool) Option {
	return func(p *Policy) {
		if fn != nil {
			p.retryable = fn
		}
	}
}

// WithSleep replaces the wait between attempts (tests use a no-op).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// New returns a policy allowing maxAttempts calls in total.
func New(maxAttempts int, baseDelay time.Duration, opts ...Option) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	p := &Policy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    baseDelay * 16,
		retryable:   func(err error) bool { return err != nil },
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Policy) MaxAttempts() int { return p.maxAttempts }

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. The last error is returned.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var err error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil || !p.retryable(err) || attempt == p.maxAttempts {
			return err
		}
		if serr := p.sleep(ctx, p.Backoff(attempt)); serr != nil {
			return err
		}
	}
	return err
}

// Backoff is base * 2^(attempt-1) with +-25% jitter, capped at 16x base.
func (p *Policy) Backoff(attempt int) time.Duration {
	if p.baseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	backoff := p.baseDelay * time.Duration(1<<(attempt-1))
	if quarter := int64(backoff / 4); quarter > 0 {
		jitter := time.Duration(rand.Int63n(quarter))
		if rand.Intn(2) == 0 {
			backoff += jitter
		} else {
			backoff -= jitter
		}
	}
	if backoff > p.maxDelay {
		backoff = p.maxDelay
	}
	return backoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
