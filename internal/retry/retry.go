// Package retry bounds transient external-call failures (transcriber
// subprocess/server errors, summarizer HTTP errors) to a small number of
// attempts with exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Do runs fn up to maxAttempts times with exponential backoff between
// attempts, returning the last error if every attempt fails. maxAttempts<=1
// runs fn exactly once with no retry.
func Do(ctx context.Context, maxAttempts int, fn func() error) error {
	if maxAttempts <= 1 {
		return fn()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0 // bounded by attempt count instead of elapsed time

	bounded := backoff.WithMaxRetries(policy, uint64(maxAttempts-1))
	withCtx := backoff.WithContext(bounded, ctx)

	return backoff.Retry(fn, withCtx)
}
