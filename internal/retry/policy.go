// Package retry provides the retry policy shared by every external-capability
// adapter (OCR engine, embedding backend, vector store, completion).
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures exponential backoff with a bounded number of attempts.
type Policy struct {
	MaxAttempts     int           // Total attempts including the first; 0 means bounded by MaxElapsed only
	InitialInterval time.Duration // Delay before the first retry
	MaxInterval     time.Duration // Upper bound for a single delay
	MaxElapsed      time.Duration // Upper bound for all attempts; 0 disables
}

// Default matches the intervals used for Qdrant and OpenAI calls:
// initial 500ms, max interval 10s, max elapsed 30s.
func Default() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsed:      30 * time.Second,
	}
}

// Permanent marks err as not retryable. Do returns the wrapped error unchanged.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Do runs op until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. The last error from op is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return p.DoNotify(ctx, op, nil)
}

// DoNotify is Do with a callback invoked before each retry.
func (p Policy) DoNotify(ctx context.Context, op func(ctx context.Context) error, notify func(err error, wait time.Duration)) error {
	var lastErr error
	operation := func() error {
		err := op(ctx)
		if err != nil && !IsPermanent(err) {
			lastErr = err
		}
		return err
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	if err != nil && ctx.Err() != nil && lastErr != nil && errors.Is(err, ctx.Err()) {
		// Keep the capability error visible when the caller's deadline ends the retries.
		return errors.Join(lastErr, err)
	}
	return err
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exponentialBackoff := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exponentialBackoff.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exponentialBackoff.MaxInterval = p.MaxInterval
	}
	exponentialBackoff.MaxElapsedTime = p.MaxElapsed

	var b backoff.BackOff = exponentialBackoff
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}
