// Package retry provides bounded exponential backoff with jitter (Do and
// Notify). No engine package calls it: tracker errors, sidecar write
// failures and alert-pump panics are not retried through it.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures one bounded backoff run.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  5 * time.Minute,
	}
}

func (p Policy) build(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsedTime
	return backoff.WithContext(b, ctx)
}

// Do runs fn with exponential backoff until it succeeds, the policy's
// MaxElapsedTime is exhausted, or ctx is cancelled. The caller decides
// which error kinds are worth retrying, not Do.
func Do(ctx context.Context, p Policy, fn func() error) error {
	return backoff.Retry(fn, p.build(ctx))
}

// Notify runs fn with exponential backoff, invoking onRetry before each
// wait so the caller can log/count retry attempts.
func Notify(ctx context.Context, p Policy, fn func() error, onRetry func(err error, wait time.Duration)) error {
	return backoff.RetryNotify(fn, p.build(ctx), onRetry)
}
