// Package retrier provides a bounded exponential-backoff retry policy.
// The policy is an explicit object passed into gateway calls so attempt
// counts and backoff schedules stay deterministic and testable.
package retrier

import (
	"context"
	"math/rand"
	"time"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultMultiplier     = 2.0
	defaultAttempts       = 3
	defaultJitter         = 0.1
)

// Policy executes a function up to a fixed number of attempts with
// exponential backoff and jitter between attempts.
type Policy struct {
	initialBackoff time.Duration
	maxBackoff     time.Duration
	multiplier     float64
	attempts       int
	jitter         float64
	sleep          func(ctx context.Context, d time.Duration) error
	abort          func(err error) bool
}

// Option configures a Policy.
type Option func(*Policy)

// WithInitialBackoff sets the delay before the second attempt.
func WithInitialBackoff(d time.Duration) Option {
	return func(p *Policy) { p.initialBackoff = d }
}

// WithMaxBackoff caps the delay between attempts.
func WithMaxBackoff(d time.Duration) Option {
	return func(p *Policy) { p.maxBackoff = d }
}

// WithMultiplier sets the backoff growth factor.
func WithMultiplier(m float64) Option {
	return func(p *Policy) { p.multiplier = m }
}

// WithAttempts sets the total number of attempts, including the first.
func WithAttempts(n int) Option {
	return func(p *Policy) { p.attempts = n }
}

// WithJitter sets the jitter factor in [0, 1].
func WithJitter(j float64) Option {
	return func(p *Policy) { p.jitter = j }
}

// WithSleep replaces the waiting primitive. Tests inject a fake so retries
// run without real delay.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) { p.sleep = sleep }
}

// WithAbort marks errors that must not be retried; the policy returns them
// immediately.
func WithAbort(abort func(err error) bool) Option {
	return func(p *Policy) { p.abort = abort }
}

// New creates a Policy with defaults and optional overrides.
func New(opts ...Option) *Policy {
	p := &Policy{
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		multiplier:     defaultMultiplier,
		attempts:       defaultAttempts,
		jitter:         defaultJitter,
		sleep:          sleepWithContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.attempts < 1 {
		p.attempts = 1
	}
	return p
}

// Do runs fn until it succeeds, a non-retryable error occurs, the context is
// canceled, or all attempts are exhausted. The last error is returned.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	backoff := p.initialBackoff

	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			jitter := (rand.Float64()*2 - 1) * p.jitter * float64(backoff)
			wait := time.Duration(float64(backoff) + jitter)
			if wait < 0 {
				wait = 0
			}
			if sleepErr := p.sleep(ctx, wait); sleepErr != nil {
				return sleepErr
			}
			backoff = time.Duration(float64(backoff) * p.multiplier)
			if backoff > p.maxBackoff {
				backoff = p.maxBackoff
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if p.abort != nil && p.abort(err) {
			return err
		}
	}

	return err
}

// DoWithData runs fn with the policy and returns its value.
func DoWithData[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, func(ctx context.Context) error {
		var e error
		result, e = fn(ctx)
		return e
	})
	return result, err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
