// Package retryx is the retry policy shared by the vault, the update publisher
// and the session manager. A Policy is a plain value (attempt budget plus a
// delay function) so callers and tests can inject their own; execution is
// delegated to github.com/sethvargo/go-retry.
package retryx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrExhausted is wrapped around the last cause once MaxAttempts attempts
// have failed with transient errors.
var ErrExhausted = errors.New("retry budget exhausted")

// Policy bounds how often and how fast an operation is retried.
type Policy struct {
	// MaxAttempts counts the first try. Values below 1 are treated as 1.
	MaxAttempts int
	// Delay returns the pause after the given failed attempt (1-based).
	Delay func(attempt int) time.Duration
}

// Fixed retries with a constant pause.
func Fixed(attempts int, d time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		Delay:       func(int) time.Duration { return d },
	}
}

// Exponential doubles the pause after every failure, starting at base and
// capped at maxDelay.
func Exponential(attempts int, base, maxDelay time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		Delay: func(attempt int) time.Duration {
			d := base
			for i := 1; i < attempt; i++ {
				d *= 2
				if d >= maxDelay {
					return maxDelay
				}
			}
			return min(d, maxDelay)
		},
	}
}

type transientError struct {
	err   error
	after time.Duration
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as worth another attempt.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// TransientAfter is Transient with a server-mandated pause (Retry-After) that
// replaces the policy delay for the next attempt only.
func TransientAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err, after: after}
}

// IsTransient reports whether err was marked by Transient or TransientAfter.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Do runs fn until it succeeds, returns a non-transient error, the budget is
// spent, or ctx is done. fn receives the 1-based attempt number.
//
// A non-transient error is returned as is. Exhaustion returns the last cause
// wrapped in ErrExhausted. Cancellation returns ctx.Err().
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := max(p.MaxAttempts, 1)

	var (
		attempt   int
		override  time.Duration
		exhausted bool
	)

	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		if attempt >= maxAttempts {
			exhausted = true
			return 0, true
		}
		if override > 0 {
			d := override
			override = 0
			return d, false
		}
		if p.Delay == nil {
			return 0, false
		}
		return p.Delay(attempt), false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx, attempt)

		var te *transientError
		if !errors.As(err, &te) {
			return err
		}
		override = te.after
		return retry.RetryableError(te.err)
	})

	if err != nil && exhausted {
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
	}
	return err
}
