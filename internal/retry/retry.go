// Package retry runs boundary calls under a bounded exponential backoff policy.
//
// Only errors marked transient are retried; everything else surfaces on the
// first attempt so validation and not-found errors are never retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy is a bounded exponential backoff configuration for one boundary.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first one.
	MaxAttempts int `yaml:"max_attempts"`
	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration `yaml:"initial_delay"`
	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration `yaml:"max_delay"`
	// Multiplier grows the delay after each attempt.
	Multiplier float64 `yaml:"multiplier"`
}

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 100 * time.Millisecond
	defaultMaxDelay     = 2 * time.Second
	defaultMultiplier   = 2.0
)

// ErrExhausted wraps the last error once all attempts failed.
var ErrExhausted = errors.New("retries exhausted")

// DefaultPolicy returns the policy used when a boundary has none configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  defaultMaxAttempts,
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Multiplier:   defaultMultiplier,
	}
}

// WithDefaults fills zero fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	def := DefaultPolicy()

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}

	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}

	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}

	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}

	return p
}

// Delay returns the wait before the given attempt (attempt 1 has no wait).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := float64(p.InitialDelay)
	for i := 2; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}

	return min(time.Duration(delay), p.MaxDelay)
}

// transientError marks an error as worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &transientError{err: err}
}

// IsTransient reports whether err, or anything it wraps, was marked transient.
// Deadline errors from a call-scoped context are transient too.
func IsTransient(err error) bool {
	var te *transientError

	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

// Do calls fn until it succeeds, returns a non-transient error, the policy is
// exhausted or ctx is done. The attempt number starts at 1.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) error) error {
	policy = policy.WithDefaults()

	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if delay := policy.Delay(attempt); delay > 0 {
			timer := time.NewTimer(delay)

			select {
			case <-ctx.Done():
				timer.Stop()

				return fmt.Errorf("retry canceled after %d attempts: %w", attempt-1, errors.Join(ctx.Err(), lastErr))
			case <-timer.C:
			}
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		if !IsTransient(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, policy.MaxAttempts, lastErr)
}
