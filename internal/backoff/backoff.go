// Package backoff wraps fallible operations in a bounded exponential-backoff retry loop.
package backoff

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Defaults used when a Policy field is left zero.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts caps the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt. It doubles after every further failure.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
	// Jitter adds a random [0, Jitter) duration to every wait.
	Jitter time.Duration
	// OnRetry, if set, is called before each wait with the 1-based attempt that failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Default returns the production policy: 3 attempts, 1s base delay.
func Default() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    2 * time.Minute,
	}
}

// Do runs op until it succeeds, returns a permanent error, or the attempts are exhausted.
// The error from the final attempt is returned unchanged.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	err := retry.Do(
		func() error { return op(ctx) },
		retry.Attempts(uint(attempts)),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !IsPermanent(err) }),
		// n counts the attempts made so far, so the first wait uses index 0.
		retry.DelayType(func(n uint, err error, _ *retry.Config) time.Duration {
			wait := p.Backoff(int(n) - 1)
			if p.OnRetry != nil {
				p.OnRetry(int(n), err, wait)
			}
			return wait
		}),
	)
	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	return err
}

// Backoff returns the wait after the failed attempt with 0-based index n.
func (p Policy) Backoff(n int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if n < 0 {
		n = 0
	}
	if n > 30 {
		n = 30
	}
	wait := base << n
	if p.Jitter > 0 {
		wait += rand.N(p.Jitter)
	}
	if p.MaxDelay > 0 && wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	return wait
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classifier is implemented by errors that know whether a retry could succeed.
type Classifier interface {
	Permanent() bool
}

// IsPermanent reports whether err was marked with Permanent or classifies itself as permanent.
func IsPermanent(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return true
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.Permanent()
	}
	return false
}
