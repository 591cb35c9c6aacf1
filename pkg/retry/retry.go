package retry

import (
	"context"
	"errors"
	"time"
)

// Option configures Do.
type Option func(*settings)

type settings struct {
	attempts int
	backoff  Backoff
	retryIf  func(error) bool
	breaker  *Breaker
	onRetry  func(attempt int, err error)
}

// WithAttempts sets the total number of calls, including the first.
func WithAttempts(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.attempts = n
		}
	}
}

func WithBackoff(b Backoff) Option {
	return func(s *settings) {
		if b != nil {
			s.backoff = b
		}
	}
}

// WithRetryIf limits retries to errors for which fn returns true. By default
// every error is retried.
func WithRetryIf(fn func(error) bool) Option {
	return func(s *settings) {
		if fn != nil {
			s.retryIf = fn
		}
	}
}

// WithBreaker consults b before each call and records outcomes that
// WithRetryIf classifies as transient. Other errors count as success for the
// breaker: the endpoint answered.
func WithBreaker(b *Breaker) Option {
	return func(s *settings) { s.breaker = b }
}

// OnRetry is called before sleeping ahead of each retry.
func OnRetry(fn func(attempt int, err error)) Option {
	return func(s *settings) { s.onRetry = fn }
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx ends. The last error from fn is returned joined with
// ErrAttemptsExhausted when attempts run out.
func Do(ctx context.Context, fn func(ctx context.Context) error, opts ...Option) error {
	s := settings{
		attempts: 3,
		backoff:  DefaultBackoff(),
		retryIf:  func(error) bool { return true },
	}
	for _, opt := range opts {
		opt(&s)
	}

	var last error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(err, last)
		}
		if s.breaker != nil && !s.breaker.Allow() {
			return errors.Join(ErrCircuitOpen, last)
		}

		err := fn(ctx)
		if err == nil {
			if s.breaker != nil {
				s.breaker.Success()
			}
			return nil
		}
		last = err

		if !s.retryIf(err) {
			if s.breaker != nil {
				s.breaker.Success()
			}
			return err
		}
		if s.breaker != nil {
			s.breaker.Failure()
		}
		if attempt == s.attempts {
			break
		}
		if s.onRetry != nil {
			s.onRetry(attempt, err)
		}

		timer := time.NewTimer(s.backoff.Next(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), last)
		case <-timer.C:
		}
	}
	return errors.Join(ErrAttemptsExhausted, last)
}
